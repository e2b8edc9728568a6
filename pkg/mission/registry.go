package mission

import (
	"context"
	"errors"
	"sync"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errShuttingDown    = errors.New("orchestrator shutting down")
)

// run is the in-memory handle of one active mission.
type run struct {
	missionID   string
	workspaceID string

	// ctx ends when the mission is asked to stop; context.Cause says why.
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newRun(missionID, workspaceID string) *run {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &run{
		missionID:   missionID,
		workspaceID: workspaceID,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// stop asks the run to wind down. The first cause wins.
func (r *run) stop(cause error) {
	r.cancel(cause)
}

func (r *run) stopping() bool {
	return r.ctx.Err() != nil
}

// stopReason is the message recorded on the terminal status event.
func (r *run) stopReason() string {
	if errors.Is(context.Cause(r.ctx), errShuttingDown) {
		return errShuttingDown.Error()
	}
	return "cancelled by request"
}

// registry tracks active missions. Entries are added when a mission is
// created and removed when it reaches a terminal status.
type registry struct {
	mu   sync.Mutex
	runs map[string]*run
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*run)}
}

func (r *registry) add(rn *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[rn.missionID] = rn
}

func (r *registry) get(id string) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

func (r *registry) snapshot() []*run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*run, 0, len(r.runs))
	for _, rn := range r.runs {
		out = append(out, rn)
	}
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
