package events

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/storage"
)

const (
	appendMaxRetries = 5
	appendBaseDelay  = 10 * time.Millisecond
)

// Store persists mission events in SQLite. Appends to one mission are
// serialized; appends to different missions run concurrently.
type Store struct {
	db    *sql.DB
	locks *missionLocks
	now   func() time.Time
}

// NewStore creates an event store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:    db,
		locks: newMissionLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Append assigns the next sequence number for missionID and durably stores
// the event before returning it. payload may be nil, a json.RawMessage, or
// any value that marshals to a JSON object.
func (s *Store) Append(ctx context.Context, missionID string, typ Type, payload any) (Event, error) {
	if strings.TrimSpace(missionID) == "" {
		return Event{}, merrors.New(merrors.ErrCodeInvalidInput, "mission id is required")
	}
	if !typ.Valid() {
		return Event{}, merrors.Newf(merrors.ErrCodeInvalidInput, "unknown event type %q", typ)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return Event{}, err
	}

	unlock := s.locks.lock(missionID)
	defer unlock()

	ev := Event{
		ID:        ulid.Make().String(),
		MissionID: missionID,
		Type:      typ,
		Payload:   raw,
		Timestamp: s.now(),
	}

	for attempt := 0; ; attempt++ {
		seq, err := s.insert(ctx, ev)
		if err == nil {
			ev.Sequence = seq
			return ev, nil
		}
		if storage.IsBusyError(err) && attempt < appendMaxRetries {
			delay := appendBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-ctx.Done():
				return Event{}, merrors.Wrap(ctx.Err(), merrors.ErrCodeStoreIO, "append mission event")
			case <-time.After(delay):
			}
			continue
		}
		if storage.IsConstraintError(err) && !s.missionExists(ctx, missionID) {
			return Event{}, merrors.Newf(merrors.ErrCodeNotFound, "mission not found: %s", missionID)
		}
		return Event{}, merrors.Wrap(err, merrors.ErrCodeStoreIO, "append mission event").
			WithContext("mission_id", missionID)
	}
}

func (s *Store) insert(ctx context.Context, ev Event) (int64, error) {
	var seq int64
	err := storage.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM mission_events WHERE mission_id = ?`,
			ev.MissionID,
		).Scan(&last); err != nil {
			return fmt.Errorf("read last sequence: %w", err)
		}
		seq = last + 1

		_, err := tx.ExecContext(ctx, `
			INSERT INTO mission_events (id, mission_id, sequence, type, payload, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, ev.ID, ev.MissionID, seq, string(ev.Type), string(ev.Payload), ev.Timestamp)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	return seq, err
}

func (s *Store) missionExists(ctx context.Context, missionID string) bool {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM missions WHERE id = ?`, missionID).Scan(&one)
	return err == nil
}

// Query returns a mission's events in ascending sequence order.
func (s *Store) Query(ctx context.Context, missionID string, opts QueryOptions) ([]Event, error) {
	limit, err := normalizeLimit(opts.Limit)
	if err != nil {
		return nil, err
	}
	if opts.Offset < 0 {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "offset cannot be negative")
	}

	var sb strings.Builder
	args := []any{missionID, opts.AfterSequence}
	sb.WriteString(`
		SELECT id, mission_id, sequence, type, payload, timestamp
		FROM mission_events
		WHERE mission_id = ? AND sequence > ?`)
	if len(opts.Types) > 0 {
		placeholders := make([]string, 0, len(opts.Types))
		for _, t := range opts.Types {
			if !t.Valid() {
				return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "unknown event type %q", t)
			}
			placeholders = append(placeholders, "?")
			args = append(args, string(t))
		}
		sb.WriteString(" AND type IN (" + strings.Join(placeholders, ", ") + ")")
	}
	sb.WriteString(" ORDER BY sequence ASC LIMIT ? OFFSET ?")
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "query mission events")
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			ev      Event
			typ     string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.MissionID, &ev.Sequence, &typ, &payload, &ev.Timestamp); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "scan mission event")
		}
		ev.Type = Type(typ)
		ev.Payload = json.RawMessage(payload)
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeStoreIO, "iterate mission events")
	}
	return out, nil
}

// LastSequence returns the highest sequence stored for a mission (0 if none).
func (s *Store) LastSequence(ctx context.Context, missionID string) (int64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM mission_events WHERE mission_id = ?`,
		missionID,
	).Scan(&last)
	if err != nil {
		return 0, merrors.Wrap(err, merrors.ErrCodeStoreIO, "read last sequence")
	}
	return last, nil
}

func normalizeLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, merrors.New(merrors.ErrCodeInvalidInput, "limit cannot be negative")
	case limit == 0:
		return DefaultQueryLimit, nil
	case limit > MaxQueryLimit:
		return MaxQueryLimit, nil
	default:
		return limit, nil
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "encode event payload")
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if raw[0] != '{' || !json.Valid(raw) {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "event payload must be a JSON object")
	}
	return json.RawMessage(raw), nil
}

// missionLocks is a refcounted mutex per mission id. Entries disappear when
// the last holder unlocks, so finished missions leave nothing behind.
type missionLocks struct {
	mu    sync.Mutex
	locks map[string]*missionLock
}

type missionLock struct {
	mu   sync.Mutex
	refs int
}

func newMissionLocks() *missionLocks {
	return &missionLocks{locks: make(map[string]*missionLock)}
}

func (l *missionLocks) lock(missionID string) func() {
	l.mu.Lock()
	ml, ok := l.locks[missionID]
	if !ok {
		ml = &missionLock{}
		l.locks[missionID] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.mu.Lock()
	return func() {
		ml.mu.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, missionID)
		}
		l.mu.Unlock()
	}
}

func (l *missionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
