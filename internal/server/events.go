package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"darkpool/internal/contracts"
	"darkpool/internal/deposit"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsSendBuffer   = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type eventMessage struct {
	AttemptID     string    `json:"attemptId"`
	Account       string    `json:"account"`
	Amount        string    `json:"amount"`
	AmountDisplay string    `json:"amountDisplay"`
	State         string    `json:"state"`
	Step          string    `json:"step,omitempty"`
	TxHash        string    `json:"txHash,omitempty"`
	Error         string    `json:"error,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// eventHub fans orchestrator events out to websocket clients. Slow clients are dropped
// rather than allowed to stall the orchestrator.
type eventHub struct {
	decimals int32
	logger   *zap.Logger
	metrics  *metricsRegistry

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn    *websocket.Conn
	account *common.Address
	send    chan []byte
	once    sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

func newEventHub(decimals int32, metrics *metricsRegistry, logger *zap.Logger) *eventHub {
	return &eventHub{
		decimals: decimals,
		logger:   logger,
		metrics:  metrics,
		clients:  make(map[*wsClient]struct{}),
	}
}

// HandleEvent is a deposit.Listener.
func (h *eventHub) HandleEvent(ev deposit.Event) {
	msg := eventMessage{
		AttemptID:     ev.AttemptID,
		Account:       ev.Account.Hex(),
		Amount:        ev.Amount.String(),
		AmountDisplay: contracts.FormatUnits(ev.Amount, h.decimals),
		State:         string(ev.State),
		Step:          string(ev.Step),
		At:            ev.At,
	}
	if ev.Submitted() {
		msg.TxHash = ev.TxHash.Hex()
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
		if reason := deposit.Reason(ev.Err); reason != nil {
			msg.Reason = reason.Error()
		}
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.account != nil && *c.account != ev.Account {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow event client", zap.String("remote_addr", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
}

func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	var filter *common.Address
	if raw := strings.TrimSpace(r.URL.Query().Get("account")); raw != "" {
		if !common.IsHexAddress(raw) {
			respondError(w, http.StatusBadRequest, "invalid account", nil)
			return
		}
		addr := common.HexToAddress(raw)
		filter = &addr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &wsClient{conn: conn, account: filter, send: make(chan []byte, wsSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.metrics.wsClients.Inc()
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump only services control frames; it returns when the peer goes away.
func (h *eventHub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeLocked unregisters c. Caller holds h.mu.
func (h *eventHub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
	h.metrics.wsClients.Dec()
}

func (h *eventHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	return nil
}
