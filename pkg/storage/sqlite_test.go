package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "missionctl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSchemaHasMissionTables(t *testing.T) {
	store := openTestStore(t)

	for _, table := range []string{"workspaces", "missions", "mission_events", "schema_migrations"} {
		var name string
		err := store.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	cols, err := tableColumns(store.DB(), "missions")
	require.NoError(t, err)
	assert.True(t, cols["cancel_requested"])
	assert.True(t, cols["session_id"])

	cols, err = tableColumns(store.DB(), "workspaces")
	require.NoError(t, err)
	assert.True(t, cols["checkpoint"])
}

func TestMissionEventSequenceIsUnique(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()
	now := time.Now().UTC()

	_, err := db.Exec(`INSERT INTO workspaces (id, name, type, status, created_at, updated_at) VALUES ('ws', 'ws', 'host', 'ready', ?, ?)`, now, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO missions (id, workspace_id, status, created_at) VALUES ('m', 'ws', 'created', ?)`, now)
	require.NoError(t, err)

	insert := `INSERT INTO mission_events (id, mission_id, sequence, type, payload, timestamp) VALUES (?, 'm', 1, 'thinking', '{}', ?)`
	_, err = db.Exec(insert, "e1", now)
	require.NoError(t, err)
	_, err = db.Exec(insert, "e2", now)
	require.Error(t, err)
	assert.True(t, IsConstraintError(err), "duplicate (mission_id, sequence) must violate a constraint: %v", err)
	assert.False(t, IsBusyError(err))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	boom := errors.New("boom")

	err := WithTx(context.Background(), store.DB(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO workspaces (id, name, type, status, created_at, updated_at) VALUES ('ws', 'ws', 'host', 'ready', ?, ?)`, now, now); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM workspaces`).Scan(&count))
	assert.Zero(t, count)
}

func TestInMemoryDatabase(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(context.Background()))
}

func TestSQLiteFilePathFromDSN(t *testing.T) {
	cases := []struct {
		dsn    string
		path   string
		onDisk bool
	}{
		{":memory:", "", false},
		{"", "", false},
		{"/var/lib/missionctl.db", "/var/lib/missionctl.db", true},
		{"file:/tmp/x.db?_pragma=busy_timeout(1)", "/tmp/x.db", true},
		{"file:mem?mode=memory&cache=shared", "", false},
	}
	for _, tc := range cases {
		path, onDisk := sqliteFilePathFromDSN(tc.dsn)
		assert.Equal(t, tc.onDisk, onDisk, tc.dsn)
		assert.Equal(t, tc.path, path, tc.dsn)
	}
}
