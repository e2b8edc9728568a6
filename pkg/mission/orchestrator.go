package mission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/missionctl/pkg/bridge"
	"github.com/odvcencio/missionctl/pkg/config"
	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/events"
	"github.com/odvcencio/missionctl/pkg/hub"
	"github.com/odvcencio/missionctl/pkg/logging"
	"github.com/odvcencio/missionctl/pkg/telemetry"
	"github.com/odvcencio/missionctl/pkg/workspace"
)

const restartedMessage = "orchestrator restarted"

// Workspaces is the slice of the workspace manager missions depend on.
type Workspaces interface {
	Get(ctx context.Context, id string) (*workspace.Workspace, error)
	WaitReady(ctx context.Context, id string) (*workspace.Workspace, error)
	Acquire(ctx context.Context, id, missionID string) error
	Release(id, missionID string)
}

// EventLog is the durable mission history.
type EventLog interface {
	Append(ctx context.Context, missionID string, typ events.Type, payload any) (events.Event, error)
	Query(ctx context.Context, missionID string, opts events.QueryOptions) ([]events.Event, error)
}

// Options wires an Orchestrator.
type Options struct {
	Store      *Store
	Events     EventLog
	Hub        *hub.Hub
	Workspaces Workspaces
	Bridge     bridge.Starter
	Config     config.MissionsConfig
	Logger     *slog.Logger
}

// Orchestrator drives missions through their lifecycle: it waits for the
// workspace, runs the delegate session, persists every event before
// publishing it and records the terminal outcome.
type Orchestrator struct {
	store      *Store
	events     EventLog
	hub        *hub.Hub
	workspaces Workspaces
	bridge     bridge.Starter
	cfg        config.MissionsConfig
	logger     *slog.Logger

	slots    *semaphore.Weighted
	registry *registry
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewOrchestrator validates opts and returns a ready orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("mission store is required")
	case opts.Events == nil:
		return nil, fmt.Errorf("event log is required")
	case opts.Hub == nil:
		return nil, fmt.Errorf("event hub is required")
	case opts.Workspaces == nil:
		return nil, fmt.Errorf("workspace manager is required")
	case opts.Bridge == nil:
		return nil, fmt.Errorf("bridge is required")
	}
	cfg := opts.Config
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = config.DefaultMaxConcurrent
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = config.DefaultCancelGrace
	}
	if cfg.WorkspaceTimeout <= 0 {
		cfg.WorkspaceTimeout = config.DefaultWorkspaceTimeout
	}
	return &Orchestrator{
		store:      opts.Store,
		events:     opts.Events,
		hub:        opts.Hub,
		workspaces: opts.Workspaces,
		bridge:     opts.Bridge,
		cfg:        cfg,
		logger:     logging.Component(logging.OrDiscard(opts.Logger), "mission"),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		registry:   newRegistry(),
	}, nil
}

// Create persists a new mission and starts running it in the background.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Mission, error) {
	if o.isClosed() {
		return nil, merrors.New(merrors.ErrCodeInternal, "orchestrator is shutting down")
	}
	workspaceID := strings.TrimSpace(req.WorkspaceID)
	if workspaceID == "" {
		return nil, merrors.New(merrors.ErrCodeInvalidInput, "workspace_id is required")
	}
	agentConfig, err := normalizeAgentConfig(req.AgentConfig)
	if err != nil {
		return nil, err
	}
	ws, err := o.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if err := o.admit(ws); err != nil {
		return nil, err
	}

	m := &Mission{
		ID:          ulid.Make().String(),
		WorkspaceID: ws.ID,
		AgentConfig: agentConfig,
		Status:      StatusCreated,
		CreatedAt:   o.store.now(),
	}
	if !o.cfg.WaitForWorkspace {
		// Take the lease now so two missions cannot both be admitted.
		if err := o.workspaces.Acquire(ctx, ws.ID, m.ID); err != nil {
			return nil, err
		}
	}
	// Registered before the record exists so Cancel always finds the run.
	rn := newRun(m.ID, ws.ID)
	o.registry.add(rn)
	if err := o.store.Insert(ctx, m); err != nil {
		o.registry.remove(m.ID)
		o.workspaces.Release(ws.ID, m.ID)
		return nil, err
	}
	telemetry.MissionStarted()

	if err := o.emitStatus(ctx, m.ID, "", StatusCreated, "", ""); err != nil {
		o.finish(context.WithoutCancel(ctx), rn, StatusCreated, storeFailure(err))
		close(rn.done)
		return nil, err
	}

	o.wg.Add(1)
	go o.run(rn, m)

	out := *m
	return &out, nil
}

// admit rejects workspaces a mission can never or not yet run against.
func (o *Orchestrator) admit(ws *workspace.Workspace) error {
	switch {
	case ws.Status.Gone(), ws.Status == workspace.StatusError:
		return notReady(ws)
	case !o.cfg.WaitForWorkspace && ws.Status != workspace.StatusReady:
		return notReady(ws)
	}
	return nil
}

func notReady(ws *workspace.Workspace) error {
	e := merrors.Newf(merrors.ErrCodeWorkspaceNotReady, "workspace %s is %s", ws.ID, ws.Status).
		WithContext("status", string(ws.Status))
	if ws.ErrorMessage != "" {
		e.Message += ": " + ws.ErrorMessage
	}
	return e
}

func normalizeAgentConfig(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "agent_config must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "agent_config must be a JSON object")
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Get returns a mission record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Mission, error) {
	return o.store.Get(ctx, id)
}

// List returns missions newest first.
func (o *Orchestrator) List(ctx context.Context, opts ListOptions) ([]*Mission, error) {
	return o.store.List(ctx, opts)
}

// Events returns a page of a mission's history.
func (o *Orchestrator) Events(ctx context.Context, id string, opts events.QueryOptions) ([]events.Event, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.events.Query(ctx, id, opts)
}

// Subscribe attaches a live subscriber to a mission. The returned record is
// read after the subscription exists, so a caller that replays history up to
// the record's state and then drains the subscription misses nothing. A
// terminal record means no further live events will arrive.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*hub.Subscription, *Mission, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	sub := o.hub.Subscribe(id)
	m, err := o.store.Get(ctx, id)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, m, nil
}

// Cancel asks a mission to stop. Cancelling a terminal mission is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Mission, error) {
	m, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status.Terminal() {
		return m, nil
	}
	if err := o.store.SetCancelRequested(ctx, id); err != nil {
		return nil, err
	}
	m.CancelRequested = true

	if rn := o.registry.get(id); rn != nil {
		rn.stop(errCancelRequested)
		return m, nil
	}

	// No run owns this mission: either it was left behind by an earlier
	// process or its run finished after the read above.
	term := termination{to: StatusCancelled, reason: "cancelled by request"}
	settled, err := o.settle(ctx, m.ID, m.Status, term)
	if err != nil {
		return nil, err
	}
	cur, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !settled && !cur.Status.Terminal() {
		return nil, merrors.Newf(merrors.ErrCodeConflict, "mission %s moved to %s while cancelling", id, cur.Status)
	}
	return cur, nil
}

// Recover fails missions left non-terminal by a previous process. It must run
// before new missions are created.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range active {
		if o.registry.get(m.ID) != nil {
			continue
		}
		term := termination{
			to:      StatusFailed,
			reason:  restartedMessage,
			kind:    string(merrors.ErrCodeInternal),
			message: restartedMessage,
		}
		settled, err := o.settle(ctx, m.ID, m.Status, term)
		if err != nil {
			return n, err
		}
		if !settled {
			continue
		}
		o.logger.Warn("failed orphaned mission", "mission_id", m.ID, "status", m.Status)
		n++
	}
	return n, nil
}

// Active reports how many missions are currently owned by this process.
func (o *Orchestrator) Active() int {
	return o.registry.len()
}

// Shutdown stops every active mission and waits for their run loops to
// record a terminal status, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, rn := range o.registry.snapshot() {
		rn.stop(errShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// termination describes how a run ended.
type termination struct {
	to      Status
	reason  string
	kind    string
	message string
	// storeFailed suppresses further appends for the mission.
	storeFailed bool
}

func failure(err error) termination {
	return termination{
		to:      StatusFailed,
		kind:    string(merrors.GetCode(err)),
		message: merrors.Message(err),
	}
}

func storeFailure(err error) termination {
	return termination{
		to:          StatusFailed,
		kind:        string(merrors.ErrCodeStoreIO),
		message:     merrors.Message(err),
		storeFailed: true,
	}
}

func stopped(rn *run) termination {
	return termination{to: StatusCancelled, reason: rn.stopReason()}
}

func (o *Orchestrator) run(rn *run, m *Mission) {
	defer o.wg.Done()
	defer close(rn.done)

	ctx, span := telemetry.StartSpan(context.Background(), "mission.run",
		trace.WithAttributes(
			telemetry.AttrMissionID.String(rn.missionID),
			telemetry.AttrWorkspaceID.String(rn.workspaceID),
		))
	logger := logging.WithWorkspace(logging.WithMission(o.logger, rn.missionID), rn.workspaceID)

	from, term := o.execute(ctx, rn, m, logger, span)
	o.finish(ctx, rn, from, term)

	var spanErr error
	if term.to == StatusFailed {
		spanErr = fmt.Errorf("%s: %s", term.kind, term.message)
	}
	telemetry.EndSpan(span, spanErr)
}

// execute advances the mission until it must end. It returns the status the
// mission is in and how it should terminate.
func (o *Orchestrator) execute(ctx context.Context, rn *run, m *Mission, logger *slog.Logger, span trace.Span) (Status, termination) {
	current := StatusCreated

	if err := o.slots.Acquire(rn.ctx, 1); err != nil {
		return current, stopped(rn)
	}
	defer o.slots.Release(1)

	if err := o.advance(ctx, rn.missionID, current, StatusWaitingForWorkspace); err != nil {
		return current, storeFailure(err)
	}
	current = StatusWaitingForWorkspace

	waitCtx, cancelWait := context.WithTimeout(rn.ctx, o.cfg.WorkspaceTimeout)
	ws, err := o.workspaces.WaitReady(waitCtx, rn.workspaceID)
	timedOut := errors.Is(waitCtx.Err(), context.DeadlineExceeded)
	cancelWait()
	if err != nil {
		if rn.stopping() {
			return current, stopped(rn)
		}
		if timedOut {
			return current, termination{
				to:      StatusFailed,
				kind:    string(merrors.ErrCodeWorkspaceNotReady),
				message: fmt.Sprintf("workspace %s not ready after %s", rn.workspaceID, o.cfg.WorkspaceTimeout),
			}
		}
		return current, workspaceFailure(err)
	}
	if err := o.workspaces.Acquire(ctx, ws.ID, rn.missionID); err != nil {
		return current, failure(err)
	}

	stream, err := o.bridge.StartSession(rn.ctx, bridge.SessionRequest{
		MissionID: rn.missionID,
		Workspace: bridge.WorkspaceRef{
			ID:   ws.ID,
			Type: string(ws.Type),
			Path: ws.Path,
		},
		AgentConfig: m.AgentConfig,
	})
	if err != nil {
		if rn.stopping() {
			return current, stopped(rn)
		}
		logger.Error("start session failed", "error", err)
		return current, failure(err)
	}
	defer stream.Close()

	if sid := stream.ID(); sid != "" {
		span.SetAttributes(telemetry.AttrSessionID.String(sid))
		if err := o.store.SetSessionID(ctx, rn.missionID, sid); err != nil {
			logger.Warn("record session id failed", "error", err)
		}
	}

	if err := o.advance(ctx, rn.missionID, current, StatusRunning); err != nil {
		o.cancelStream(stream, logger)
		return current, storeFailure(err)
	}
	current = StatusRunning
	logger.Info("mission running", "session_id", stream.ID())

	return current, o.consume(ctx, rn, stream, logger)
}

// workspaceFailure maps a readiness error. A workspace that failed to build
// is reported as a provisioning failure.
func workspaceFailure(err error) termination {
	term := failure(err)
	var e *merrors.Error
	if errors.As(err, &e) && e.Code == merrors.ErrCodeWorkspaceNotReady {
		if status, _ := e.Context["status"].(string); status == string(workspace.StatusError) {
			term.kind = string(merrors.ErrCodeWorkspaceProvision)
		}
	}
	return term
}

// consume persists and publishes stream events until the session ends.
func (o *Orchestrator) consume(ctx context.Context, rn *run, stream bridge.Stream, logger *slog.Logger) termination {
	// The read context outlives a cancel request so frames emitted during the
	// grace period still land; the watcher force-closes the stream after it.
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	finished := make(chan struct{})
	defer close(finished)
	go o.watchStop(rn, stream, finished, logger)

	for {
		bev, err := stream.Next(readCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return outcomeTermination(stream.Outcome(), rn)
			}
			if rn.stopping() {
				return stopped(rn)
			}
			logger.Error("session stream failed", "error", err)
			o.cancelStream(stream, logger)
			return failure(err)
		}

		start := time.Now()
		ev, err := o.events.Append(ctx, rn.missionID, bev.Type, bev.Data)
		if err != nil {
			logger.Error("append event failed", "error", err, "event_type", bev.Type)
			o.cancelStream(stream, logger)
			return storeFailure(err)
		}
		telemetry.EventAppended(string(ev.Type), time.Since(start))
		o.hub.Publish(ev)
	}
}

func outcomeTermination(out *bridge.Outcome, rn *run) termination {
	if out == nil {
		if rn.stopping() {
			return stopped(rn)
		}
		return termination{
			to:      StatusFailed,
			kind:    string(merrors.ErrCodeBridgeProtocol),
			message: "session ended without an outcome",
		}
	}
	switch out.Status {
	case bridge.OutcomeCompleted:
		return termination{to: StatusCompleted}
	case bridge.OutcomeCancelled:
		if rn.stopping() {
			return stopped(rn)
		}
		return termination{to: StatusCancelled, reason: "cancelled by delegate runtime"}
	default:
		kind := out.Kind
		if kind == "" {
			kind = KindDelegateFailed
		}
		msg := out.Message
		if msg == "" {
			msg = "delegate session failed"
		}
		return termination{to: StatusFailed, kind: kind, message: msg}
	}
}

// watchStop cancels the session once the run is asked to stop and force
// closes it when the grace period runs out.
func (o *Orchestrator) watchStop(rn *run, stream bridge.Stream, finished <-chan struct{}, logger *slog.Logger) {
	select {
	case <-finished:
		return
	case <-rn.ctx.Done():
	}

	deadline := time.Now().Add(o.cfg.CancelGrace)
	cancelCtx, cancel := context.WithDeadline(context.Background(), deadline)
	err := stream.Cancel(cancelCtx)
	cancel()
	if err != nil {
		logger.Warn("session cancel failed", "error", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		logger.Warn("cancel grace expired, closing session", "grace", o.cfg.CancelGrace)
		_ = stream.Close()
	}
}

func (o *Orchestrator) cancelStream(stream bridge.Stream, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelGrace)
	defer cancel()
	if err := stream.Cancel(ctx); err != nil {
		logger.Warn("session cancel failed", "error", err)
	}
}

// advance records a non-terminal transition: status event first, then the
// record.
func (o *Orchestrator) advance(ctx context.Context, missionID string, from, to Status) error {
	if err := o.emitStatus(ctx, missionID, from, to, "", ""); err != nil {
		return err
	}
	return o.store.Transition(ctx, missionID, from, to, transitionFields{})
}

// finish records the terminal status and releases everything the run held.
func (o *Orchestrator) finish(ctx context.Context, rn *run, from Status, term termination) {
	logger := logging.WithMission(o.logger, rn.missionID)
	if err := o.conclude(ctx, rn.missionID, from, term); err != nil {
		logger.Error("record terminal status failed", "error", err, "status", term.to)
	}
	o.workspaces.Release(rn.workspaceID, rn.missionID)
	o.registry.remove(rn.missionID)
	telemetry.MissionFinished(string(term.to))

	attrs := []any{"status", term.to}
	if term.kind != "" {
		attrs = append(attrs, "error_kind", term.kind, "error", term.message)
	}
	if term.reason != "" {
		attrs = append(attrs, "reason", term.reason)
	}
	logger.Info("mission finished", attrs...)
}

// conclude appends the closing events, updates the record and ends live
// delivery for the mission.
func (o *Orchestrator) conclude(ctx context.Context, missionID string, from Status, term termination) error {
	defer o.hub.CloseMission(missionID)

	if !term.storeFailed {
		if term.to == StatusFailed {
			if err := o.emit(ctx, missionID, events.TypeError, events.ErrorPayload{Kind: term.kind, Message: term.message}); err != nil {
				term = storeFailure(err)
			}
		}
	}
	if !term.storeFailed {
		if err := o.emitStatus(ctx, missionID, from, term.to, term.reason, term.kind); err != nil {
			if term.to != StatusFailed {
				term = storeFailure(err)
			}
		}
	}
	return o.store.Transition(ctx, missionID, from, term.to, transitionFields{
		ErrorKind:    term.kind,
		ErrorMessage: term.message,
	})
}

// settle concludes a mission no run owns. The record moves first, so a
// mission that turned terminal in the meantime gets no further events.
func (o *Orchestrator) settle(ctx context.Context, missionID string, from Status, term termination) (bool, error) {
	err := o.store.Transition(ctx, missionID, from, term.to, transitionFields{
		ErrorKind:    term.kind,
		ErrorMessage: term.message,
	})
	if merrors.IsCode(err, merrors.ErrCodeConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer o.hub.CloseMission(missionID)

	if term.to == StatusFailed {
		if err := o.emit(ctx, missionID, events.TypeError, events.ErrorPayload{Kind: term.kind, Message: term.message}); err != nil {
			return true, err
		}
	}
	return true, o.emitStatus(ctx, missionID, from, term.to, term.reason, term.kind)
}

func (o *Orchestrator) emitStatus(ctx context.Context, missionID string, from, to Status, reason, kind string) error {
	return o.emit(ctx, missionID, events.TypeMissionStatusChanged, events.StatusPayload{
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		ErrorKind: kind,
	})
}

// emit appends an event and then publishes it.
func (o *Orchestrator) emit(ctx context.Context, missionID string, typ events.Type, payload any) error {
	start := time.Now()
	ev, err := o.events.Append(ctx, missionID, typ, payload)
	if err != nil {
		return err
	}
	telemetry.EventAppended(string(typ), time.Since(start))
	o.hub.Publish(ev)
	return nil
}
