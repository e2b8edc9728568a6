package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
)

// Store persists workspace records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a workspace store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const workspaceColumns = `id, name, type, status, path, error_message, config, checkpoint, created_at, updated_at`

// Insert stores a new workspace.
func (s *Store) Insert(ctx context.Context, ws *Workspace) error {
	cfg, err := json.Marshal(ws.Config)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeInternal, "encode workspace config")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (`+workspaceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ws.ID,
		ws.Name,
		string(ws.Type),
		string(ws.Status),
		ws.Path,
		nullString(ws.ErrorMessage),
		string(cfg),
		ws.Checkpoint,
		ws.CreatedAt,
		ws.UpdatedAt,
	)
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "insert workspace")
	}
	return nil
}

// Get loads a workspace by id.
func (s *Store) Get(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merrors.Newf(merrors.ErrCodeNotFound, "workspace not found: %s", id)
	}
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "load workspace")
	}
	return ws, nil
}

// List returns every workspace, newest first.
func (s *Store) List(ctx context.Context) ([]*Workspace, error) {
	return s.query(ctx, `SELECT `+workspaceColumns+` FROM workspaces ORDER BY created_at DESC, id DESC`)
}

// ListByStatus returns workspaces in any of the given states.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Workspace, error) {
	if len(statuses) == 0 {
		return []*Workspace{}, nil
	}
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE status IN (?`
	args := []any{string(statuses[0])}
	for _, st := range statuses[1:] {
		query += `, ?`
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at, id`
	return s.query(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "list workspaces")
	}
	defer rows.Close()

	out := []*Workspace{}
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "scan workspace")
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "list workspaces")
	}
	return out, nil
}

// Transition moves a workspace from one status to another. It fails with
// CONFLICT when the stored status is no longer from, so concurrent writers
// cannot regress the lifecycle.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, errMsg string) error {
	if !CanTransition(from, to) {
		return merrors.Newf(merrors.ErrCodeConflict, "workspace %s cannot move from %s to %s", id, from, to)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), nullString(errMsg), s.now(), id, string(from))
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "update workspace status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, "update workspace status")
	}
	if n == 0 {
		return merrors.Newf(merrors.ErrCodeConflict, "workspace %s is no longer %s", id, from).
			WithContext("target", string(to))
	}
	return nil
}

// SetPath records the filesystem path of a workspace.
func (s *Store) SetPath(ctx context.Context, id, path string) error {
	return s.exec(ctx, "update workspace path", `UPDATE workspaces SET path = ?, updated_at = ? WHERE id = ?`, path, s.now(), id)
}

// SetCheckpoint records the last completed provisioning step.
func (s *Store) SetCheckpoint(ctx context.Context, id, step string) error {
	return s.exec(ctx, "update workspace checkpoint", `UPDATE workspaces SET checkpoint = ?, updated_at = ? WHERE id = ?`, step, s.now(), id)
}

func (s *Store) exec(ctx context.Context, what, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return merrors.Wrap(err, merrors.ErrCodeStoreIO, what)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	ws := &Workspace{}
	var typ, status, cfg string
	var errMsg sql.NullString
	err := row.Scan(
		&ws.ID,
		&ws.Name,
		&typ,
		&status,
		&ws.Path,
		&errMsg,
		&cfg,
		&ws.Checkpoint,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ws.Type = Type(typ)
	ws.Status = Status(status)
	if errMsg.Valid {
		ws.ErrorMessage = errMsg.String
	}
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &ws.Config); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
