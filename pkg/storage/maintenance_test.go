package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRecordedOnceInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missionctl.db")
	first, err := New(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	store, err := New(path)
	require.NoError(t, err)
	defer store.Close()

	version, err := store.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	history, err := store.GetMigrationHistory()
	require.NoError(t, err)
	require.Len(t, history, len(migrations), "reopening must not re-run migrations")
	for i, h := range history {
		assert.Equal(t, migrations[i].Version, h.Version)
		assert.Equal(t, migrations[i].Name, h.Name)
		assert.NotEmpty(t, h.AppliedAt)
	}
}

func seed(t *testing.T, store *Store) {
	t.Helper()
	db := store.DB()
	now := time.Now().UTC()
	_, err := db.Exec(`INSERT INTO workspaces (id, name, type, status, created_at, updated_at) VALUES ('ws', 'ws', 'host', 'ready', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO missions (id, workspace_id, status, created_at) VALUES ('m1', 'ws', 'running', ?), ('m2', 'ws', 'completed', ?)`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO mission_events (id, mission_id, sequence, type, payload, timestamp) VALUES ('e1', 'm1', 1, 'thinking', '{}', ?), ('e2', 'm1', 2, 'thinking', '{}', ?)`, now, now)
	require.NoError(t, err)
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	seed(t, store)

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Workspaces)
	assert.Equal(t, 2, st.Missions)
	assert.Equal(t, 1, st.ActiveMission)
	assert.Equal(t, 2, st.Events)
	assert.Positive(t, st.SizeBytes)
	assert.Equal(t, len(migrations), st.SchemaVersion)

	require.NoError(t, store.Optimize(context.Background()))
}

func TestBackup(t *testing.T) {
	store := openTestStore(t)
	seed(t, store)

	dest := filepath.Join(t.TempDir(), "backups", "copy.db")
	require.NoError(t, store.Backup(context.Background(), dest))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	copyStore, err := New(dest)
	require.NoError(t, err)
	defer copyStore.Close()
	st, err := copyStore.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Events)

	assert.Error(t, store.Backup(context.Background(), dest), "existing destination is refused")
}

func TestClosedStore(t *testing.T) {
	var store *Store
	_, err := store.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Optimize(context.Background()), ErrStoreClosed)
	assert.ErrorIs(t, store.Close(), ErrStoreClosed)
}
