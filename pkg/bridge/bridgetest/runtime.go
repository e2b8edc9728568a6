// Package bridgetest provides an in-process fake delegate runtime speaking
// the session protocol, for tests of the bridge and its callers.
package bridgetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Frame is one scripted SSE frame. ID 0 omits the id field.
type Frame struct {
	ID    int64
	Event string
	Data  string
}

// Script drives one session.
type Script struct {
	Frames []Frame
	// DropAfter closes the first stream connection after this many frames.
	DropAfter int
	// FailReconnects answers every stream request after the first with 503.
	FailReconnects bool
	// Overlap resends the frame at Last-Event-ID on resume.
	Overlap bool
	// PauseAfter holds the stream after this many frames until Resume is closed.
	PauseAfter int
	Resume     chan struct{}
	// HoldOpen keeps the stream open after the last frame until cancel.
	HoldOpen bool
	// IgnoreCancel makes cancel return 202 without ending the stream.
	IgnoreCancel bool
	// CreateStatus overrides the 201 returned by session creation.
	CreateStatus int
}

// CreateRecord is one observed session creation call.
type CreateRecord struct {
	IdempotencyKey string
	Authorization  string
	Body           map[string]any
}

type session struct {
	id          string
	script      Script
	connections int
	lastIDs     []string
	cancelled   chan struct{}
	cancelOnce  sync.Once
}

// Runtime is a fake delegate runtime backed by httptest.Server.
type Runtime struct {
	Server *httptest.Server

	mu       sync.Mutex
	scripts  []Script
	fallback Script
	sessions map[string]*session
	order    []string
	creates  []CreateRecord
	cancels  []string
	nextID   int
}

// NewRuntime starts a fake runtime. Scripts are consumed one per created
// session; once exhausted, fallback is used.
func NewRuntime(fallback Script, scripts ...Script) *Runtime {
	rt := &Runtime{
		scripts:  scripts,
		fallback: fallback,
		sessions: make(map[string]*session),
	}
	r := chi.NewRouter()
	r.Post("/v1/sessions", rt.handleCreate)
	r.Get("/v1/sessions/{sid}/events", rt.handleEvents)
	r.Post("/v1/sessions/{sid}/cancel", rt.handleCancel)
	rt.Server = httptest.NewServer(r)
	return rt
}

// URL returns the runtime base URL.
func (rt *Runtime) URL() string { return rt.Server.URL }

// Close shuts the server down, ending held streams.
func (rt *Runtime) Close() {
	rt.mu.Lock()
	for _, s := range rt.sessions {
		s.cancelOnce.Do(func() { close(s.cancelled) })
	}
	rt.mu.Unlock()
	rt.Server.CloseClientConnections()
	rt.Server.Close()
}

// AddScript queues a script for the next created session.
func (rt *Runtime) AddScript(s Script) {
	rt.mu.Lock()
	rt.scripts = append(rt.scripts, s)
	rt.mu.Unlock()
}

// Creates returns the observed creation calls.
func (rt *Runtime) Creates() []CreateRecord {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]CreateRecord(nil), rt.creates...)
}

// Cancels returns the ids of sessions that received a cancel call.
func (rt *Runtime) Cancels() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.cancels...)
}

// Connections returns how many stream requests session sid received, and the
// Last-Event-ID header of each.
func (rt *Runtime) Connections(sid string) (int, []string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	s, ok := rt.sessions[sid]
	if !ok {
		return 0, nil
	}
	return s.connections, append([]string(nil), s.lastIDs...)
}

// SessionIDs returns created session ids in creation order.
func (rt *Runtime) SessionIDs() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.order...)
}

func (rt *Runtime) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	rt.mu.Lock()
	rt.creates = append(rt.creates, CreateRecord{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Authorization:  r.Header.Get("Authorization"),
		Body:           body,
	})
	script := rt.fallback
	if len(rt.scripts) > 0 {
		script = rt.scripts[0]
		rt.scripts = rt.scripts[1:]
	}
	if script.CreateStatus != 0 && script.CreateStatus != http.StatusCreated {
		rt.mu.Unlock()
		http.Error(w, "scripted failure", script.CreateStatus)
		return
	}
	rt.nextID++
	sid := fmt.Sprintf("sess-%d", rt.nextID)
	rt.sessions[sid] = &session{id: sid, script: script, cancelled: make(chan struct{})}
	rt.order = append(rt.order, sid)
	rt.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"session_id": sid})
}

func (rt *Runtime) handleCancel(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	rt.mu.Lock()
	s, ok := rt.sessions[sid]
	rt.cancels = append(rt.cancels, sid)
	rt.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !s.script.IgnoreCancel {
		s.cancelOnce.Do(func() { close(s.cancelled) })
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Runtime) handleEvents(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	rt.mu.Lock()
	s, ok := rt.sessions[sid]
	if ok {
		s.connections++
		s.lastIDs = append(s.lastIDs, r.Header.Get("Last-Event-ID"))
	}
	var conn int
	if ok {
		conn = s.connections
	}
	rt.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	if conn > 1 && s.script.FailReconnects {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	var after int64
	if v := strings.TrimSpace(r.Header.Get("Last-Event-ID")); v != "" {
		after, _ = strconv.ParseInt(v, 10, 64)
	}
	if s.script.Overlap && after > 0 {
		after--
	}

	sent := 0
	for _, f := range s.script.Frames {
		if f.ID != 0 && f.ID <= after {
			continue
		}
		if conn == 1 && s.script.PauseAfter > 0 && sent == s.script.PauseAfter && s.script.Resume != nil {
			select {
			case <-s.script.Resume:
			case <-r.Context().Done():
				return
			}
		}
		if conn == 1 && s.script.DropAfter > 0 && sent == s.script.DropAfter {
			return
		}
		select {
		case <-s.cancelled:
			writeFrame(w, Frame{ID: lastFrameID(s.script.Frames) + 1, Event: "session.cancelled", Data: `{"reason":"cancelled"}`})
			if flusher != nil {
				flusher.Flush()
			}
			return
		default:
		}
		writeFrame(w, f)
		if flusher != nil {
			flusher.Flush()
		}
		sent++
	}

	if !s.script.HoldOpen {
		return
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelled:
			writeFrame(w, Frame{ID: lastFrameID(s.script.Frames) + 1, Event: "session.cancelled", Data: `{"reason":"cancelled"}`})
			if flusher != nil {
				flusher.Flush()
			}
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, f Frame) {
	var sb strings.Builder
	if f.ID != 0 {
		fmt.Fprintf(&sb, "id: %d\n", f.ID)
	}
	if f.Event != "" {
		fmt.Fprintf(&sb, "event: %s\n", f.Event)
	}
	data := f.Data
	if data == "" {
		data = "{}"
	}
	fmt.Fprintf(&sb, "data: %s\n\n", data)
	_, _ = w.Write([]byte(sb.String()))
}

func lastFrameID(frames []Frame) int64 {
	var max int64
	for _, f := range frames {
		if f.ID > max {
			max = f.ID
		}
	}
	return max
}

// Conversation returns n conversational frames with ids 1..n followed by a
// session.completed frame.
func Conversation(types ...string) []Frame {
	frames := make([]Frame, 0, len(types)+1)
	for i, t := range types {
		frames = append(frames, Frame{
			ID:    int64(i + 1),
			Event: t,
			Data:  fmt.Sprintf(`{"index":%d}`, i+1),
		})
	}
	frames = append(frames, Frame{ID: int64(len(types) + 1), Event: "session.completed", Data: `{"reason":"done"}`})
	return frames
}
