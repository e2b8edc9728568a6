package mission

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/storage"
)

func setupStore(t *testing.T) (*Store, *storage.Store) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "missions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now().UTC()
	for _, id := range []string{"ws-1", "ws-2"} {
		_, err = db.DB().Exec(`INSERT INTO workspaces (id, name, type, status, created_at, updated_at) VALUES (?, ?, 'host', 'ready', ?, ?)`, id, id, now, now)
		require.NoError(t, err)
	}
	return NewStore(db.DB()), db
}

func newMission(id, workspaceID string, created time.Time) *Mission {
	return &Mission{
		ID:          id,
		WorkspaceID: workspaceID,
		AgentConfig: json.RawMessage(`{"model":"m"}`),
		Status:      StatusCreated,
		CreatedAt:   created,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.Insert(ctx, newMission("m-1", "ws-1", now)))

	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, StatusCreated, got.Status)
	assert.JSONEq(t, `{"model":"m"}`, string(got.AgentConfig))
	assert.True(t, now.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.False(t, got.CancelRequested)

	_, err = store.Get(ctx, "missing")
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeNotFound))

	err = store.Insert(ctx, newMission("m-2", "no-such-workspace", now))
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeNotFound), "foreign key violation maps to not found: %v", err)
}

func TestStoreTransitions(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newMission("m-1", "ws-1", time.Now().UTC())))

	require.NoError(t, store.Transition(ctx, "m-1", StatusCreated, StatusWaitingForWorkspace, transitionFields{}))
	require.NoError(t, store.Transition(ctx, "m-1", StatusWaitingForWorkspace, StatusRunning, transitionFields{}))

	got, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)

	err = store.Transition(ctx, "m-1", StatusWaitingForWorkspace, StatusRunning, transitionFields{})
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeConflict), "stale from status")

	require.NoError(t, store.Transition(ctx, "m-1", StatusRunning, StatusFailed, transitionFields{
		ErrorKind:    "BRIDGE_CONNECTION",
		ErrorMessage: "runtime unreachable",
	}))
	got, err = store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "BRIDGE_CONNECTION", got.ErrorKind)
	assert.Equal(t, "runtime unreachable", got.ErrorMessage)
	require.NotNil(t, got.EndedAt)

	// terminal statuses are absorbing
	for _, to := range []Status{StatusRunning, StatusCancelled, StatusCompleted} {
		err = store.Transition(ctx, "m-1", StatusFailed, to, transitionFields{})
		assert.True(t, merrors.IsCode(err, merrors.ErrCodeConflict), to)
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusWaitingForWorkspace))
	assert.True(t, CanTransition(StatusCreated, StatusCancelled))
	assert.True(t, CanTransition(StatusWaitingForWorkspace, StatusFailed))
	assert.True(t, CanTransition(StatusRunning, StatusCompleted))

	assert.False(t, CanTransition(StatusCreated, StatusRunning))
	assert.False(t, CanTransition(StatusCreated, StatusCompleted))
	assert.False(t, CanTransition(StatusRunning, StatusWaitingForWorkspace))
	assert.False(t, CanTransition(StatusCompleted, StatusFailed))
	assert.False(t, CanTransition(StatusCancelled, StatusRunning))
}

func TestStoreCancelRequested(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newMission("m-1", "ws-1", time.Now().UTC())))
	require.NoError(t, store.Insert(ctx, newMission("m-2", "ws-2", time.Now().UTC())))
	require.NoError(t, store.Transition(ctx, "m-2", StatusCreated, StatusCancelled, transitionFields{}))

	require.NoError(t, store.SetCancelRequested(ctx, "m-1"))
	require.NoError(t, store.SetCancelRequested(ctx, "m-2"))
	require.NoError(t, store.SetSessionID(ctx, "m-1", "sess-9"))

	m1, err := store.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, m1.CancelRequested)
	assert.Equal(t, "sess-9", m1.SessionID)

	m2, err := store.Get(ctx, "m-2")
	require.NoError(t, err)
	assert.False(t, m2.CancelRequested, "terminal missions are not flagged")
}

func TestStoreList(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, store.Insert(ctx, newMission("m-1", "ws-1", base)))
	require.NoError(t, store.Insert(ctx, newMission("m-2", "ws-2", base.Add(time.Second))))
	require.NoError(t, store.Insert(ctx, newMission("m-3", "ws-1", base.Add(2*time.Second))))
	require.NoError(t, store.Transition(ctx, "m-2", StatusCreated, StatusFailed, transitionFields{ErrorKind: "INTERNAL"}))

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m-3", all[0].ID, "newest first")
	assert.Equal(t, "m-1", all[2].ID)

	byWorkspace, err := store.List(ctx, ListOptions{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Len(t, byWorkspace, 2)

	failed, err := store.List(ctx, ListOptions{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m-2", failed[0].ID)

	limited, err := store.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = store.List(ctx, ListOptions{Status: "bogus"})
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeInvalidInput))
	_, err = store.List(ctx, ListOptions{Limit: -1})
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeInvalidInput))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "m-1", active[0].ID, "oldest first")
}

func TestRegistry(t *testing.T) {
	r := newRegistry()
	a := newRun("m-1", "ws-1")
	b := newRun("m-2", "ws-2")
	r.add(a)
	r.add(b)
	assert.Equal(t, 2, r.len())
	assert.Same(t, a, r.get("m-1"))
	assert.Nil(t, r.get("m-3"))
	assert.Len(t, r.snapshot(), 2)

	r.remove("m-1")
	assert.Equal(t, 1, r.len())
	assert.Nil(t, r.get("m-1"))
}

func TestRunStopReason(t *testing.T) {
	rn := newRun("m-1", "ws-1")
	assert.False(t, rn.stopping())
	rn.stop(errShuttingDown)
	rn.stop(errCancelRequested)
	assert.True(t, rn.stopping())
	assert.Equal(t, "orchestrator shutting down", rn.stopReason(), "first cause wins")

	rn = newRun("m-2", "ws-1")
	rn.stop(errCancelRequested)
	assert.Equal(t, "cancelled by request", rn.stopReason())
}
