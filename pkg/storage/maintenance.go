package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Stats summarizes database contents and size.
type Stats struct {
	Workspaces    int   `json:"workspaces"`
	Missions      int   `json:"missions"`
	ActiveMission int   `json:"active_missions"`
	Events        int   `json:"events"`
	SizeBytes     int64 `json:"size_bytes"`
	SchemaVersion int   `json:"schema_version"`
}

// Stats returns row counts and the on-disk page footprint.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if s == nil || s.db == nil {
		return Stats{}, ErrStoreClosed
	}
	var st Stats
	counts := []struct {
		dst   *int
		query string
	}{
		{&st.Workspaces, "SELECT COUNT(*) FROM workspaces"},
		{&st.Missions, "SELECT COUNT(*) FROM missions"},
		{&st.ActiveMission, "SELECT COUNT(*) FROM missions WHERE status IN ('created', 'waiting_for_workspace', 'running')"},
		{&st.Events, "SELECT COUNT(*) FROM mission_events"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("count: %w", err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Stats{}, err
	}
	st.SizeBytes = pageCount * pageSize

	version, err := getSchemaVersion(s.db)
	if err != nil {
		return Stats{}, err
	}
	st.SchemaVersion = version
	return st, nil
}

// Optimize refreshes query planner statistics and checkpoints the WAL.
func (s *Store) Optimize(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	for _, stmt := range []string{
		"ANALYZE",
		"PRAGMA optimize",
		"PRAGMA wal_checkpoint(TRUNCATE)",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// Backup writes a consistent copy of the database to path with VACUUM INTO.
// The destination must not exist.
func (s *Store) Backup(ctx context.Context, path string) error {
	if s == nil || s.db == nil {
		return ErrStoreClosed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("backup destination already exists: %s", abs)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat backup destination: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	tmp := abs + ".tmp"
	_ = os.Remove(tmp)
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vacuum into: %w", err)
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize backup: %w", err)
	}
	return nil
}
