package mission

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/storage"
)

// Store handles persistence for mission records
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new mission store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const missionColumns = `id, workspace_id, agent_config, status, session_id, cancel_requested,
	error_kind, error_message, created_at, started_at, ended_at`

// Insert stores a new mission.
func (s *Store) Insert(ctx context.Context, m *Mission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO missions (`+missionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.WorkspaceID,
		string(m.AgentConfig),
		string(m.Status),
		nullString(m.SessionID),
		m.CancelRequested,
		nullString(m.ErrorKind),
		nullString(m.ErrorMessage),
		m.CreatedAt,
		nullTime(m.StartedAt),
		nullTime(m.EndedAt),
	)
	if err != nil {
		if storage.IsConstraintError(err) {
			return merrors.Wrap(err, merrors.ErrCodeNotFound, "workspace not found").WithContext("workspace_id", m.WorkspaceID)
		}
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "insert mission")
	}
	return nil
}

// Get retrieves a mission by ID
func (s *Store) Get(ctx context.Context, id string) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "mission not found: %s", id)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "load mission")
	}
	return m, nil
}

// List returns missions newest first, optionally filtered.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Mission, error) {
	limit := opts.Limit
	switch {
	case limit < 0:
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "limit must not be negative")
	case limit == 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	query := `SELECT ` + missionColumns + ` FROM missions WHERE 1=1`
	var args []any
	if opts.Status != "" {
		if !opts.Status.Valid() {
			return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "unknown mission status %q", opts.Status)
		}
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.WorkspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, opts.WorkspaceID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	return s.query(ctx, query, args...)
}

// ListActive returns every mission that has not reached a terminal status.
func (s *Store) ListActive(ctx context.Context) ([]*Mission, error) {
	return s.query(ctx, `SELECT `+missionColumns+` FROM missions
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at, id`)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Mission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "list missions")
	}
	defer rows.Close()

	missions := []*Mission{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "scan mission")
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "list missions")
	}
	return missions, nil
}

// transitionFields are written alongside a status change.
type transitionFields struct {
	ErrorKind    string
	ErrorMessage string
}

// Transition moves a mission between statuses. The update only applies
// while the stored status is still from; a terminal record is never touched.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, f transitionFields) error {
	if !CanTransition(from, to) {
		return merrors.Newf(merrors.ErrCodeConflict, "mission %s cannot move from %s to %s", id, from, to)
	}
	now := s.now()
	query := `UPDATE missions SET status = ?`
	args := []any{string(to)}
	if to == StatusRunning {
		query += `, started_at = ?`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, ended_at = ?, error_kind = ?, error_message = ?`
		args = append(args, now, nullString(f.ErrorKind), nullString(f.ErrorMessage))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "update mission status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "update mission status")
	}
	if n == 0 {
		return merrors.Newf(merrors.ErrCodeConflict, "mission %s is no longer %s", id, from)
	}
	return nil
}

// SetCancelRequested flags a non-terminal mission for cancellation.
func (s *Store) SetCancelRequested(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE missions SET cancel_requested = TRUE
		WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "flag mission cancellation")
	}
	return nil
}

// SetSessionID records the delegate session serving the mission.
func (s *Store) SetSessionID(ctx context.Context, id, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE missions SET session_id = ? WHERE id = ?`, sessionID, id); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "record mission session")
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMission(row scanner) (*Mission, error) {
	m := &Mission{}
	var agentConfig, status string
	var sessionID, errorKind, errorMessage sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&m.ID,
		&m.WorkspaceID,
		&agentConfig,
		&status,
		&sessionID,
		&m.CancelRequested,
		&errorKind,
		&errorMessage,
		&m.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}
	m.AgentConfig = json.RawMessage(agentConfig)
	m.Status = Status(status)
	m.SessionID = sessionID.String
	m.ErrorKind = errorKind.String
	m.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		m.EndedAt = &endedAt.Time
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
