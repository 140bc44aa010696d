package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRecord(id, account string, created time.Time) Record {
	return Record{
		ID:        id,
		Account:   account,
		Amount:    "10000000",
		Steps:     []string{"approve", "deposit"},
		State:     "completed",
		TxHashes:  []string{"0x01", "0x02"},
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(time.Hour),
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, rec)

	now := time.Now()
	require.NoError(t, store.Save(ctx, sampleRecord("a1", "0xAbC", now.Add(-time.Minute))))
	require.NoError(t, store.Save(ctx, sampleRecord("a2", "0xabc", now)))
	require.NoError(t, store.Save(ctx, sampleRecord("b1", "0xdef", now)))

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, []string{"approve", "deposit"}, got.Steps)

	list, err := store.ListByAccount(ctx, "0xABC", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a2", list[0].ID)

	list, err = store.ListByAccount(ctx, "0xabc", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.Error(t, store.Save(ctx, Record{}))
}

func TestExpiredRecordsAreHidden(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	old := sampleRecord("old", "0xabc", time.Now().Add(-2*time.Hour))
	require.NoError(t, store.Save(ctx, old))

	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	require.Nil(t, got)

	list, err := store.ListByAccount(ctx, "0xabc", 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "deposits.json")

	store, err := NewFileStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, sampleRecord("key", "0xabc", time.Now())))

	_, err = os.Stat(path)
	require.NoError(t, err)

	store2, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := store2.Get(ctx, "key")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "10000000", got.Amount)

	list, err := store2.ListByAccount(ctx, "0xabc", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}
