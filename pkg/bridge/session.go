package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/logging"
	"github.com/odvcencio/missionctl/pkg/telemetry"
)

// Session is a live delegate session. Next must be called from a single
// goroutine; Cancel and Close may be called from any goroutine.
type Session struct {
	client    *Client
	id        string
	missionID string
	logger    *slog.Logger

	// ctx lives until Close and bounds every stream request.
	ctx      context.Context
	shutdown context.CancelFunc

	mu         sync.Mutex
	body       io.ReadCloser
	reader     *frameReader
	lastID     int64
	failures   int
	outcome    *Outcome
	cancelling bool
	closed     bool

	cancelOnce sync.Once
	cancelErr  error
}

var _ Stream = (*Session)(nil)

func newSession(c *Client, id, missionID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		client:    c,
		id:        id,
		missionID: missionID,
		logger:    logging.WithMission(c.logger, missionID).With(slog.String("session_id", id)),
		ctx:       ctx,
		shutdown:  cancel,
	}
}

// ID returns the runtime's session id.
func (s *Session) ID() string { return s.id }

// LastEventID returns the id of the last frame forwarded or consumed.
func (s *Session) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Outcome is nil until Next has returned io.EOF.
func (s *Session) Outcome() *Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return nil
	}
	out := *s.outcome
	return &out
}

// Next returns the next conversational event. Duplicate frames replayed
// after a reconnect are skipped.
func (s *Session) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		s.mu.Lock()
		if s.outcome != nil {
			s.mu.Unlock()
			return Event{}, io.EOF
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrSessionClosed
		}
		reader := s.reader
		s.mu.Unlock()

		if reader == nil {
			if err := s.reconnect(ctx, nil); err != nil {
				return Event{}, err
			}
			continue
		}

		fr, err := s.readFrame(ctx, reader)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Event{}, ctxErr
			}
			if done, derr := s.streamEnded(err); done {
				return Event{}, derr
			}
			continue
		}

		ev, forward, err := s.handleFrame(fr)
		if err != nil {
			s.dropStream()
			return Event{}, err
		}
		if !forward {
			continue
		}
		return ev, nil
	}
}

// readFrame blocks on the stream, aborting the read if ctx ends.
func (s *Session) readFrame(ctx context.Context, reader *frameReader) (frame, error) {
	stop := context.AfterFunc(ctx, s.abortBody)
	defer stop()
	return reader.Next()
}

// streamEnded handles a read error. It reports whether Next should return.
func (s *Session) streamEnded(readErr error) (bool, error) {
	s.dropStream()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.outcome != nil:
		return true, io.EOF
	case s.cancelling:
		// the runtime closed the stream in response to our cancel
		s.outcome = &Outcome{Status: OutcomeCancelled, Message: "cancelled"}
		return true, io.EOF
	case s.closed:
		return true, ErrSessionClosed
	}
	s.logger.Warn("event stream interrupted", slog.String("error", readErr.Error()), slog.Int64("last_event_id", s.lastID))
	return false, nil
}

// handleFrame validates a frame. forward is false for heartbeats, duplicates
// and control frames.
func (s *Session) handleFrame(fr frame) (Event, bool, error) {
	if fr.Event == FrameHeartbeat {
		return Event{}, false, nil
	}
	if !fr.HasID {
		return Event{}, false, merrors.Newf(merrors.ErrCodeBridgeProtocol, "frame %q has no id", fr.Event)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(fr.ID), 10, 64)
	if err != nil || id <= 0 {
		return Event{}, false, merrors.Newf(merrors.ErrCodeBridgeProtocol, "frame id %q is not a positive integer", fr.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id <= s.lastID {
		return Event{}, false, nil
	}

	switch fr.Event {
	case FrameCompleted, FrameFailed, FrameCancelled:
		outcome, err := parseOutcome(fr)
		if err != nil {
			return Event{}, false, err
		}
		s.lastID = id
		s.outcome = outcome
		return Event{}, false, nil
	}

	typ, ok := forwardedTypes[fr.Event]
	if !ok {
		return Event{}, false, merrors.Newf(merrors.ErrCodeBridgeProtocol, "unknown frame type %q", fr.Event)
	}
	data := json.RawMessage(strings.TrimSpace(fr.Data))
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return Event{}, false, merrors.Newf(merrors.ErrCodeBridgeProtocol, "frame %d (%s) data is not a JSON object", id, fr.Event)
	}

	s.lastID = id
	s.failures = 0
	return Event{ID: id, Type: typ, Data: data}, true, nil
}

type outcomeData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func parseOutcome(fr frame) (*Outcome, error) {
	var data outcomeData
	if raw := strings.TrimSpace(fr.Data); raw != "" {
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, merrors.Wrap(err, merrors.ErrCodeBridgeProtocol, fmt.Sprintf("decode %s frame", fr.Event))
		}
	}
	msg := data.Message
	if msg == "" {
		msg = data.Reason
	}
	switch fr.Event {
	case FrameCompleted:
		return &Outcome{Status: OutcomeCompleted, Message: msg}, nil
	case FrameCancelled:
		return &Outcome{Status: OutcomeCancelled, Message: msg}, nil
	default:
		if msg == "" {
			msg = "delegate session failed"
		}
		return &Outcome{Status: OutcomeFailed, Kind: data.Kind, Message: msg}, nil
	}
}

// connect opens the first stream, retrying like any reconnect.
func (s *Session) connect(ctx context.Context) error {
	streamCtx, release := s.streamContext(ctx)
	body, err := s.client.openStream(streamCtx, s.id, 0, 0)
	release()
	if err == nil {
		s.attach(body)
		return nil
	}
	if merrors.IsCode(err, merrors.ErrCodeBridgeProtocol) || ctx.Err() != nil {
		return err
	}
	return s.reconnect(ctx, err)
}

// reconnect reopens the stream with Last-Event-ID, backing off between
// attempts. The budget resets once a new frame is read.
func (s *Session) reconnect(ctx context.Context, cause error) error {
	lastErr := cause
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
		if s.cancelling {
			s.outcome = &Outcome{Status: OutcomeCancelled, Message: "cancelled"}
			s.mu.Unlock()
			return io.EOF
		}
		if s.failures >= s.client.maxRetries {
			attempts := s.failures
			s.mu.Unlock()
			msg := fmt.Sprintf("event stream lost after %d reconnect attempts", attempts)
			if lastErr == nil {
				return merrors.New(merrors.ErrCodeBridgeConnection, msg)
			}
			return merrors.Wrap(lastErr, merrors.ErrCodeBridgeConnection, msg)
		}
		s.failures++
		attempt := s.failures
		lastID := s.lastID
		s.mu.Unlock()

		if err := sleepCtx(ctx, s.ctx, backoff(attempt, s.client.backoffInitial, s.client.backoffMax)); err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return ErrSessionClosed
			}
			return err
		}

		streamCtx, release := s.streamContext(ctx)
		body, err := s.client.openStream(streamCtx, s.id, lastID, attempt)
		release()
		if err == nil {
			telemetry.BridgeReconnect(true)
			s.logger.Info("event stream resumed", slog.Int("attempt", attempt), slog.Int64("last_event_id", lastID))
			s.attach(body)
			return nil
		}
		telemetry.BridgeReconnect(false)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if merrors.IsCode(err, merrors.ErrCodeBridgeProtocol) {
			return err
		}
		lastErr = err
		s.logger.Warn("event stream reconnect failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
}

// streamContext derives a request context from the session lifetime. ctx
// can abort the request only until release is called; after that the body
// outlives ctx and reads are bounded by readFrame instead.
func (s *Session) streamContext(ctx context.Context) (context.Context, func()) {
	streamCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	return streamCtx, func() { stop() }
}

func (s *Session) attach(body io.ReadCloser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = body.Close()
		return
	}
	s.body = body
	s.reader = newFrameReader(body)
}

// dropStream discards the current stream so the next Next reconnects.
func (s *Session) dropStream() {
	s.mu.Lock()
	body := s.body
	s.body = nil
	s.reader = nil
	s.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

func (s *Session) abortBody() {
	s.mu.Lock()
	body := s.body
	s.mu.Unlock()
	if body != nil {
		_ = body.Close()
	}
}

// Cancel asks the runtime to stop the session. The stream is not reconnected
// afterwards; its end produces a cancelled outcome.
func (s *Session) Cancel(ctx context.Context) error {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.cancelling = true
		s.mu.Unlock()

		s.cancelErr = s.client.cancelSession(ctx, s.id)
		if s.cancelErr != nil {
			s.logger.Warn("cancel request failed", slog.String("error", s.cancelErr.Error()))
		}
	})
	return s.cancelErr
}

// Close tears the stream down immediately. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	body := s.body
	s.body = nil
	s.reader = nil
	s.mu.Unlock()

	s.shutdown()
	if body != nil {
		return body.Close()
	}
	return nil
}
