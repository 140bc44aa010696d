package journal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"darkpool/internal/deposit"
)

const saveTimeout = 5 * time.Second

// Recorder folds orchestrator events into journal records. Its HandleEvent is a
// deposit.Listener; save failures are logged and never block the deposit.
type Recorder struct {
	store     Store
	retention time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	open map[string]*Record
}

// NewRecorder keeps records for retention after their last update. Zero keeps them forever.
func NewRecorder(store Store, retention time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:     store,
		retention: retention,
		logger:    logger,
		open:      make(map[string]*Record),
	}
}

func (r *Recorder) HandleEvent(ev deposit.Event) {
	r.mu.Lock()
	rec, ok := r.open[ev.AttemptID]
	if !ok {
		rec = &Record{
			ID:        ev.AttemptID,
			Account:   ev.Account.Hex(),
			Amount:    ev.Amount.String(),
			Steps:     []string{},
			TxHashes:  []string{},
			CreatedAt: ev.At,
		}
		r.open[ev.AttemptID] = rec
	}
	apply(rec, ev)
	if r.retention > 0 {
		rec.ExpiresAt = rec.UpdatedAt.Add(r.retention)
	}
	snapshot := *rec
	snapshot.Steps = append([]string(nil), rec.Steps...)
	snapshot.TxHashes = append([]string(nil), rec.TxHashes...)
	// The orchestrator always ends an attempt with idle.
	if ev.State == deposit.StateIdle {
		delete(r.open, ev.AttemptID)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, snapshot); err != nil {
		r.logger.Error("journal save failed",
			zap.String("attempt_id", snapshot.ID),
			zap.String("state", snapshot.State),
			zap.Error(err))
	}
}

func apply(rec *Record, ev deposit.Event) {
	rec.UpdatedAt = ev.At
	if ev.Step != "" && (len(rec.Steps) == 0 || rec.Steps[len(rec.Steps)-1] != string(ev.Step)) {
		rec.Steps = append(rec.Steps, string(ev.Step))
	}
	if ev.Submitted() {
		hash := ev.TxHash.Hex()
		if len(rec.TxHashes) == 0 || rec.TxHashes[len(rec.TxHashes)-1] != hash {
			rec.TxHashes = append(rec.TxHashes, hash)
		}
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
		if reason := deposit.Reason(ev.Err); reason != nil {
			rec.Reason = reason.Error()
		}
	}

	// Completed and failed are final; the trailing idle only closes the attempt.
	terminal := rec.State == string(deposit.StateCompleted) || rec.State == string(deposit.StateFailed)
	if ev.State != deposit.StateIdle || !terminal {
		rec.State = string(ev.State)
	}
}
