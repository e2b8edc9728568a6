package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/hub"
	"github.com/odvcencio/missionctl/pkg/mission"
)

// wireEvent is the client-facing event format shared by history, SSE and
// WebSocket.
type wireEvent struct {
	Sequence  int64           `json:"sequence"`
	Type      events.Type     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func toWire(ev events.Event) wireEvent {
	return wireEvent{
		Sequence:  ev.Sequence,
		Type:      ev.Type,
		Payload:   ev.Payload,
		Timestamp: ev.Timestamp,
	}
}

// feed is one client's view of a mission: an optional history backlog
// followed by live events, deduplicated by sequence.
type feed struct {
	sub      *hub.Subscription
	snapshot *mission.Mission
	backlog  []events.Event
	last     int64
}

// openFeed subscribes before reading history so nothing falls between the
// replayed backlog and the live stream.
func (s *Server) openFeed(r *http.Request) (*feed, error) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	after, replay, err := resumePoint(r)
	if err != nil {
		return nil, err
	}

	sub, m, err := s.missions.Subscribe(ctx, id)
	if err != nil {
		return nil, err
	}
	f := &feed{sub: sub, snapshot: m, last: after}
	if !replay {
		return f, nil
	}

	cursor := after
	for {
		page, err := s.missions.Events(ctx, id, events.QueryOptions{AfterSequence: cursor, Limit: events.MaxQueryLimit})
		if err != nil {
			sub.Close()
			return nil, err
		}
		f.backlog = append(f.backlog, page...)
		if len(page) < events.MaxQueryLimit {
			return f, nil
		}
		cursor = page[len(page)-1].Sequence
	}
}

// resumePoint reads Last-Event-ID or ?after=. Either one turns on history
// replay; ?replay=true replays from the start.
func resumePoint(r *http.Request) (int64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, false, merrors.New(merrors.ErrCodeInvalidInput, "resume position must be a non-negative sequence")
		}
		return n, true, nil
	}
	replay, _ := strconv.ParseBool(r.URL.Query().Get("replay"))
	return 0, replay, nil
}

// emitter writes one transport's frames.
type emitter interface {
	event(ev wireEvent) error
	heartbeat() error
	overflow(lastSequence int64) error
}

// pump drives a feed into an emitter until the mission ends, the client goes
// away or the subscriber overflows.
func (s *Server) pump(ctx context.Context, f *feed, e emitter) error {
	defer f.sub.Close()

	for _, ev := range f.backlog {
		if ev.Sequence <= f.last {
			continue
		}
		if err := e.event(toWire(ev)); err != nil {
			return err
		}
		f.last = ev.Sequence
	}
	if f.snapshot.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.heartbeat(); err != nil {
				return err
			}
		case ev, ok := <-f.sub.Events():
			if !ok {
				if errors.Is(f.sub.Err(), hub.ErrOverflow) {
					return e.overflow(f.last)
				}
				return nil
			}
			if ev.Sequence <= f.last {
				continue
			}
			if err := e.event(toWire(ev)); err != nil {
				return err
			}
			f.last = ev.Sequence
		}
	}
}

type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) write(frame string) error {
	if _, err := fmt.Fprint(e.w, frame); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *sseEmitter) event(ev wireEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.write(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data))
}

func (e *sseEmitter) heartbeat() error {
	return e.write(": heartbeat\n\n")
}

func (e *sseEmitter) overflow(last int64) error {
	return e.write(fmt.Sprintf("event: overflow\ndata: {\"reason\":\"subscriber fell behind\",\"last_sequence\":%d}\n\n", last))
}

// handleMissionStream serves a mission's live events as Server-Sent Events.
func (s *Server) handleMissionStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, merrors.New(merrors.ErrCodeInternal, "streaming not supported"))
		return
	}
	f, err := s.openFeed(r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.pump(r.Context(), f, &sseEmitter{w: w, flusher: flusher})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("sse stream ended", "mission_id", f.snapshot.ID, "error", err)
	}
}

// wsMessage is one WebSocket frame.
type wsMessage struct {
	Kind         string     `json:"kind"` // event, heartbeat, overflow
	Event        *wireEvent `json:"event,omitempty"`
	LastSequence int64      `json:"last_sequence,omitempty"`
}

const wsWriteTimeout = 10 * time.Second

type wsEmitter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (e *wsEmitter) send(msg wsMessage) error {
	ctx, cancel := context.WithTimeout(e.ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, e.conn, msg)
}

func (e *wsEmitter) event(ev wireEvent) error {
	return e.send(wsMessage{Kind: "event", Event: &ev})
}

func (e *wsEmitter) heartbeat() error {
	return e.send(wsMessage{Kind: "heartbeat"})
}

func (e *wsEmitter) overflow(last int64) error {
	return e.send(wsMessage{Kind: "overflow", LastSequence: last})
}

// handleMissionWebSocket serves the same feed as handleMissionStream over a
// WebSocket. Client messages are ignored.
func (s *Server) handleMissionWebSocket(w http.ResponseWriter, r *http.Request) {
	f, err := s.openFeed(r)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.sub.Close()
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(4096)
	ctx := conn.CloseRead(r.Context())

	err = s.pump(ctx, f, &wsEmitter{ctx: ctx, conn: conn})
	switch {
	case err == nil:
		if f.sub.Err() != nil && errors.Is(f.sub.Err(), hub.ErrOverflow) {
			conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "mission ended")
	case errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusGoingAway, "")
	default:
		s.logger.Debug("websocket stream ended", "mission_id", f.snapshot.ID, "error", err)
		conn.Close(websocket.StatusInternalError, "write failed")
	}
}
