package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"darkpool/internal/chain"
	"darkpool/internal/contracts"
	"darkpool/internal/deposit"
	"darkpool/internal/journal"
)

const healthTimeout = 2 * time.Second

type depositRequest struct {
	Account string `json:"account"`
	// Amount in base units; the configured deposit when empty.
	Amount string `json:"amount,omitempty"`
}

type depositResponse struct {
	AttemptID     string   `json:"attemptId,omitempty"`
	Account       string   `json:"account"`
	Amount        string   `json:"amount"`
	AmountDisplay string   `json:"amountDisplay"`
	State         string   `json:"state"`
	Plan          []string `json:"plan"`
	TxHashes      []string `json:"txHashes"`
	Error         string   `json:"error,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload", err)
		return
	}
	account, ok := parseAccount(req.Account)
	if !ok {
		respondError(w, http.StatusBadRequest, "account must be a hex address", nil)
		return
	}
	amount := new(big.Int).Set(s.cfg.Deposit.Amount)
	if req.Amount != "" {
		parsed, err := contracts.ParseBaseUnits(req.Amount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "amount must be an integer in base units", err)
			return
		}
		amount = parsed
	}

	done := s.metrics.trackInFlight()
	// The attempt runs to its own outcome even if the client goes away.
	out, err := s.orchestrator.RequestDeposit(context.WithoutCancel(r.Context()), amount, account)
	done()
	s.metrics.observeDeposit(out, err)

	resp := depositResponse{
		AttemptID:     out.AttemptID,
		Account:       account.Hex(),
		Amount:        amount.String(),
		AmountDisplay: contracts.FormatUnits(amount, s.cfg.Token.Decimals),
		State:         string(out.State),
		Plan:          make([]string, 0, len(out.Plan)),
		TxHashes:      make([]string, 0, len(out.TxHashes)),
	}
	for _, intent := range out.Plan {
		resp.Plan = append(resp.Plan, string(intent.Kind()))
	}
	for _, h := range out.TxHashes {
		resp.TxHashes = append(resp.TxHashes, h.Hex())
	}
	if err != nil {
		resp.Error = err.Error()
		if reason := deposit.Reason(err); reason != nil {
			resp.Reason = reason.Error()
		}
		s.logger.Warn("deposit did not complete",
			zap.String("account", account.Hex()),
			zap.String("attempt_id", out.AttemptID),
			zap.Error(err))
	}
	respondJSON(w, depositStatus(err), resp)
}

func depositStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, deposit.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, deposit.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, deposit.ErrWrongNetwork):
		return http.StatusPreconditionFailed
	case errors.Is(err, deposit.ErrUserRejectedSignature), errors.Is(err, deposit.ErrChainSubmissionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, deposit.ErrConfirmationTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, deposit.ErrReadUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.journal.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal unavailable", err)
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "deposit not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(mux.Vars(r)["account"])
	if !ok {
		respondError(w, http.StatusBadRequest, "account must be a hex address", nil)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	records, err := s.journal.ListByAccount(r.Context(), account.Hex(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal unavailable", err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Account  string           `json:"account"`
		Deposits []journal.Record `json:"deposits"`
	}{account.Hex(), records})
}

func (s *Server) handleAccountState(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(mux.Vars(r)["account"])
	if !ok {
		respondError(w, http.StatusBadRequest, "account must be a hex address", nil)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		Account string `json:"account"`
		State   string `json:"state"`
	}{account.Hex(), string(s.orchestrator.State(account))})
}

type snapshotMeta struct {
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	Stale     bool       `json:"stale"`
	Error     string     `json:"error,omitempty"`
}

func meta(updatedAt time.Time, stale bool, err error) snapshotMeta {
	m := snapshotMeta{Stale: stale}
	if !updatedAt.IsZero() {
		m.UpdatedAt = &updatedAt
	}
	if err != nil {
		m.Error = err.Error()
	}
	return m
}

func (s *Server) handleAccountStats(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(mux.Vars(r)["account"])
	if !ok {
		respondError(w, http.StatusBadRequest, "account must be a hex address", nil)
		return
	}

	snap := s.stats.User(account)
	if !snap.Loaded {
		if _, err := s.stats.RefreshUserStats(r.Context(), account); err != nil {
			respondError(w, http.StatusServiceUnavailable, "user stats unavailable", err)
			return
		}
		snap = s.stats.User(account)
	}

	decimals := s.cfg.Token.Decimals
	respondJSON(w, http.StatusOK, struct {
		Account          string `json:"account"`
		Deposited        string `json:"deposited"`
		DepositedDisplay string `json:"depositedDisplay"`
		DepositCount     uint64 `json:"depositCount"`
		Balance          string `json:"balance"`
		BalanceDisplay   string `json:"balanceDisplay"`
		Allowance        string `json:"allowance"`
		snapshotMeta
	}{
		Account:          account.Hex(),
		Deposited:        bigString(snap.Value.Deposited),
		DepositedDisplay: contracts.FormatUnits(snap.Value.Deposited, decimals),
		DepositCount:     snap.Value.DepositCount,
		Balance:          bigString(snap.Value.Balance),
		BalanceDisplay:   contracts.FormatUnits(snap.Value.Balance, decimals),
		Allowance:        bigString(snap.Value.Allowance),
		snapshotMeta:     meta(snap.UpdatedAt, snap.Stale, snap.LastError),
	})
}

type contractInfo struct {
	Address     string `json:"address"`
	ExplorerURL string `json:"explorerUrl"`
}

type tokenInfo struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	snap := s.stats.Vault()
	if !snap.Loaded {
		if _, err := s.stats.RefreshVaultStats(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "vault stats unavailable", err)
			return
		}
		snap = s.stats.Vault()
	}

	decimals := s.cfg.Token.Decimals
	v := snap.Value
	respondJSON(w, http.StatusOK, struct {
		Vault                    contractInfo `json:"vault"`
		Token                    tokenInfo    `json:"token"`
		ChainID                  uint64       `json:"chainId"`
		DepositAmount            string       `json:"depositAmount"`
		DepositAmountDisplay     string       `json:"depositAmountDisplay"`
		TotalDeposited           string       `json:"totalDeposited"`
		TotalDepositedDisplay    string       `json:"totalDepositedDisplay"`
		TotalUsers               uint64       `json:"totalUsers"`
		VaultTokenBalance        string       `json:"vaultTokenBalance"`
		VaultTokenBalanceDisplay string       `json:"vaultTokenBalanceDisplay"`
		snapshotMeta
	}{
		Vault: contractInfo{
			Address:     s.reader.Vault().Address.Hex(),
			ExplorerURL: contracts.ExplorerURL(s.reader.Vault().Address),
		},
		Token: tokenInfo{
			Address:  s.reader.Token().Address.Hex(),
			Symbol:   s.cfg.Token.Symbol,
			Decimals: decimals,
		},
		ChainID:                  s.cfg.Chain.ExpectedChainID,
		DepositAmount:            s.cfg.Deposit.Amount.String(),
		DepositAmountDisplay:     contracts.FormatUnits(s.cfg.Deposit.Amount, decimals),
		TotalDeposited:           bigString(v.TotalDeposited),
		TotalDepositedDisplay:    contracts.FormatUnits(v.TotalDeposited, decimals),
		TotalUsers:               v.TotalUsers,
		VaultTokenBalance:        bigString(v.VaultTokenBalance),
		VaultTokenBalanceDisplay: contracts.FormatUnits(v.VaultTokenBalance, decimals),
		snapshotMeta:             meta(snap.UpdatedAt, snap.Stale, snap.LastError),
	})
}

type networkResponse struct {
	ChainID  uint64   `json:"chainId"`
	Expected uint64   `json:"expectedChainId"`
	Matches  bool     `json:"matches"`
	Networks []uint64 `json:"networks"`
}

func (s *Server) networkStatus(ctx context.Context) (networkResponse, error) {
	current, err := s.chain.CurrentNetwork(ctx)
	if err != nil {
		return networkResponse{}, err
	}
	expected := s.cfg.Chain.ExpectedChainID
	return networkResponse{
		ChainID:  current,
		Expected: expected,
		Matches:  current == expected,
		Networks: s.cfg.Chain.NetworkIDs(),
	}, nil
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	resp, err := s.networkStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "network unavailable", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSwitchNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChainID uint64 `json:"chainId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChainID == 0 {
		respondError(w, http.StatusBadRequest, "chainId is required", err)
		return
	}

	if err := s.chain.SwitchNetwork(r.Context(), req.ChainID); err != nil {
		if errors.Is(err, chain.ErrUnknownNetwork) {
			respondError(w, http.StatusBadRequest, "unknown network", err)
			return
		}
		respondError(w, http.StatusBadGateway, "network switch failed", err)
		return
	}
	s.logger.Info("network switched", zap.Uint64("chain_id", req.ChainID))

	resp, err := s.networkStatus(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "network unavailable", err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		ChainID   uint64  `json:"chainId,omitempty"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if checker, ok := s.chain.(chain.HealthChecker); ok {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := checker.Ping(rpcCtx)
		cancel()
		if err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}
	if rpcInfo.Connected {
		if id, err := s.chain.CurrentNetwork(ctx); err == nil {
			rpcInfo.ChainID = id
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	dbCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	if err := s.journal.Ping(dbCtx); err != nil {
		dbInfo.Connected = false
		dbInfo.Error = err.Error()
		overallHealthy = false
	}
	cancel()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string      `json:"status"`
		RPC        interface{} `json:"rpc"`
		Journal    interface{} `json:"journal"`
		StatsStale bool        `json:"stats_stale"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Journal:    dbInfo,
		StatsStale: s.stats.Stale(),
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func parseAccount(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
