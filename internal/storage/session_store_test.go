package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempStore(t *testing.T) *SessionStore {
	t.Helper()
	store, err := OpenSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionStoreRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveSession(ctx, SessionRecord{
		ID:         "s1",
		CampaignID: "c1",
		Values:     json.RawMessage(`{"name":"Ada","age":36}`),
		CreatedAt:  created,
		UpdatedAt:  created,
	}))

	rec, err := store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "c1", rec.CampaignID)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(rec.Values))
	assert.Equal(t, created, rec.CreatedAt)

	// 覆盖保存保留创建时间
	later := created.Add(time.Hour)
	require.NoError(t, store.SaveSession(ctx, SessionRecord{
		ID:         "s1",
		CampaignID: "c1",
		Values:     json.RawMessage(`{"name":"Grace"}`),
		CreatedAt:  later,
		UpdatedAt:  later,
	}))
	rec, err = store.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Grace"}`, string(rec.Values))
	assert.Equal(t, created, rec.CreatedAt)
	assert.Equal(t, later, rec.UpdatedAt)
}

func TestSessionStoreNotFoundAndDelete(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	_, err := store.LoadSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveSession(ctx, SessionRecord{ID: "s1", CampaignID: "c1"}))
	require.NoError(t, store.DeleteSession(ctx, "s1"))
	require.NoError(t, store.DeleteSession(ctx, "s1"))

	_, err = store.LoadSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStoreListAndPurge(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.SaveSession(ctx, SessionRecord{ID: id, CampaignID: "c1", CreatedAt: at, UpdatedAt: at}))
	}
	require.NoError(t, store.SaveSession(ctx, SessionRecord{ID: "other", CampaignID: "c2", CreatedAt: base, UpdatedAt: base}))

	records, err := store.ListSessions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "a", records[2].ID)

	purged, err := store.PurgeBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	records, err = store.ListSessions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].ID)
}

func TestSessionStoreValidation(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveSession(ctx, SessionRecord{CampaignID: "c1"}))
	assert.Error(t, store.SaveSession(ctx, SessionRecord{ID: "s1"}))
	assert.Error(t, store.SaveSession(ctx, SessionRecord{ID: "s1", CampaignID: "c1", Values: json.RawMessage(`{bad`)}))

	_, err := OpenSessionStore("  ")
	assert.Error(t, err)
}

func TestSessionStoreReopenKeepsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	store, err := OpenSessionStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveSession(context.Background(), SessionRecord{ID: "s1", CampaignID: "c1"}))
	require.NoError(t, store.Close())

	reopened, err := OpenSessionStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.LoadSession(context.Background(), "s1")
	assert.NoError(t, err)
}

func TestOpenInMemory(t *testing.T) {
	store, err := OpenSessionStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveSession(context.Background(), SessionRecord{ID: "m", CampaignID: "c"}))
	_, err = store.LoadSession(context.Background(), "m")
	assert.NoError(t, err)
}
