// Package journal persists every deposit attempt and how it ended.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Record is one deposit attempt as seen through its orchestrator events.
type Record struct {
	ID       string   `json:"id"`
	Account  string   `json:"account"`
	Amount   string   `json:"amount"`
	Steps    []string `json:"steps"`
	State    string   `json:"state"`
	Reason   string   `json:"reason,omitempty"`
	Error    string   `json:"error,omitempty"`
	TxHashes []string `json:"txHashes"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store abstracts journal persistence. Get returns nil, nil for unknown or expired ids.
// ListByAccount returns newest first; a limit <= 0 returns every live record.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Save(ctx context.Context, record Record) error
	ListByAccount(ctx context.Context, account string, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[id]
	if !ok || rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if record.ID == "" {
		return errors.New("journal record has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[record.ID] = record
	return nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, account string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return listByAccount(m.data, account, limit, time.Now()), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// listByAccount returns the account's live records, newest first.
func listByAccount(data map[string]Record, account string, limit int, now time.Time) []Record {
	out := []Record{}
	for _, rec := range data {
		if strings.EqualFold(rec.Account, account) && !rec.expired(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// FileStore persists records to a JSON file. Suitable for local dev and the CLI.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	store := &FileStore{path: path, data: make(map[string]Record)}
	if err := store.load(); err != nil {
		return nil, fmt.Errorf("load journal %s: %w", path, err)
	}
	return store, nil
}

func (f *FileStore) load() error {
	blob, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	case len(blob) == 0:
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

// persist drops expired records and replaces the file through a rename, so a crash never
// leaves a truncated journal. Caller holds f.mu.
func (f *FileStore) persist() error {
	now := time.Now()
	for id, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, id)
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(blob)
	cerr := tmp.Close()
	if err := multierr.Combine(werr, cerr); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func (f *FileStore) Get(_ context.Context, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[id]
	if !ok {
		return nil, nil
	}
	if rec.expired(time.Now()) {
		delete(f.data, id)
		_ = f.persist()
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Save(_ context.Context, record Record) error {
	if record.ID == "" {
		return errors.New("journal record has no id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[record.ID] = record
	return f.persist()
}

func (f *FileStore) ListByAccount(_ context.Context, account string, limit int) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return listByAccount(f.data, account, limit, time.Now()), nil
}

func (f *FileStore) Ping(context.Context) error { return nil }

func (f *FileStore) Close() error { return nil }
