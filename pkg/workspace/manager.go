package workspace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/logging"
	"github.com/odvcencio/missionctl/pkg/telemetry"
)

const interruptedMessage = "provisioning interrupted by restart"

// Manager owns workspace records, runs provisioning jobs in the background
// and hands out exclusive mission leases.
type Manager struct {
	store        *Store
	provisioners map[Type]Provisioner
	logger       *slog.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*job
	leases   map[string]string
	deleting map[string]bool
	watchers map[string]chan struct{}
	closed   bool
}

type job struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithProvisioner registers the provisioner for a workspace type.
func WithProvisioner(t Type, p Provisioner) Option {
	return func(m *Manager) { m.provisioners[t] = p }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = logging.Component(l, "workspace") }
}

// NewManager creates a manager. Host workspaces are always supported;
// container workspaces need WithProvisioner(TypeContainer, ...).
func NewManager(store *Store, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:        store,
		provisioners: map[Type]Provisioner{TypeHost: HostProvisioner{}},
		logger:       logging.Component(nil, "workspace"),
		baseCtx:      ctx,
		cancelAll:    cancel,
		jobs:         make(map[string]*job),
		leases:       make(map[string]string),
		deleting:     make(map[string]bool),
		watchers:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates req, persists a pending workspace and starts provisioning
// in the background. The returned record is the pending one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Workspace, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	if !req.Type.Valid() {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "unknown workspace type %q", req.Type)
	}
	if _, ok := m.provisioners[req.Type]; !ok {
		return nil, merrors.Newf(merrors.ErrCodeInvalidInput, "%s workspaces are not enabled", req.Type)
	}
	cfg, err := decodeConfig(req.Type, req.Config)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, merrors.New(merrors.ErrCodeInternal, "workspace manager is closed")
	}

	now := m.store.now()
	ws := &Workspace{
		ID:        ulid.Make().String(),
		Name:      req.Name,
		Type:      req.Type,
		Status:    StatusPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(ctx, ws); err != nil {
		return nil, err
	}
	m.logger.Info("workspace created", slog.String("workspace_id", ws.ID), slog.String("type", string(ws.Type)))

	if err := m.startJob(ws, true); err != nil {
		return nil, err
	}
	out := *ws
	return &out, nil
}

// Get returns a workspace by id.
func (m *Manager) Get(ctx context.Context, id string) (*Workspace, error) {
	return m.store.Get(ctx, id)
}

// List returns every workspace, newest first.
func (m *Manager) List(ctx context.Context) ([]*Workspace, error) {
	return m.store.List(ctx)
}

// Retry provisions an errored workspace again from scratch.
func (m *Manager) Retry(ctx context.Context, id string) (*Workspace, error) {
	ws, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.Status != StatusError {
		return nil, merrors.Newf(merrors.ErrCodeConflict, "workspace %s is %s; only errored workspaces can be retried", id, ws.Status)
	}
	m.mu.Lock()
	busy := m.deleting[id] || m.jobs[id] != nil
	m.mu.Unlock()
	if busy {
		return nil, merrors.Newf(merrors.ErrCodeConflict, "workspace %s is busy", id)
	}
	if err := m.store.Transition(ctx, id, StatusError, StatusBuilding, ""); err != nil {
		return nil, err
	}
	m.notify(id)
	ws.Status = StatusBuilding
	ws.ErrorMessage = ""
	if err := m.startJob(ws, false); err != nil {
		return nil, err
	}
	m.logger.Info("workspace provisioning retried", slog.String("workspace_id", id))
	out := *ws
	return &out, nil
}

func (m *Manager) startJob(ws *Workspace, fromPending bool) error {
	prov := m.provisioners[ws.Type]

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return merrors.New(merrors.ErrCodeInternal, "workspace manager is closed")
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	j := &job{cancel: cancel, done: make(chan struct{})}
	m.jobs[ws.ID] = j
	m.wg.Add(1)
	m.mu.Unlock()

	snapshot := *ws
	go m.provision(ctx, j, prov, &snapshot, fromPending)
	return nil
}

// provision is the background job for one provisioning attempt.
func (m *Manager) provision(ctx context.Context, j *job, prov Provisioner, ws *Workspace, fromPending bool) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.jobs[ws.ID] == j {
			delete(m.jobs, ws.ID)
		}
		m.mu.Unlock()
		j.cancel()
		close(j.done)
	}()

	logger := logging.WithWorkspace(m.logger, ws.ID)
	// record writes must land even when the job itself is cancelled
	storeCtx := context.WithoutCancel(ctx)

	if fromPending {
		if ctx.Err() != nil {
			m.fail(storeCtx, ws, StatusPending, "provisioning cancelled", logger)
			return
		}
		if err := m.store.Transition(storeCtx, ws.ID, StatusPending, StatusBuilding, ""); err != nil {
			logger.Warn("workspace left pending", slog.String("error", err.Error()))
			return
		}
		m.notify(ws.ID)
	}

	ctx, span := telemetry.StartSpan(ctx, "workspace.provision")
	span.SetAttributes(telemetry.AttrWorkspaceID.String(ws.ID))
	started := time.Now()
	logger.Info("workspace provisioning started", slog.String("type", string(ws.Type)))

	report := func(step string) {
		if err := m.store.SetCheckpoint(storeCtx, ws.ID, step); err != nil {
			logger.Warn("record checkpoint", slog.String("step", step), slog.String("error", err.Error()))
			return
		}
		logger.Debug("provisioning step complete", slog.String("step", step))
	}

	path, err := prov.Provision(ctx, ws, report)
	telemetry.EndSpan(span, err)
	took := time.Since(started)
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "provisioning cancelled"
		}
		telemetry.WorkspaceProvisioned(string(ws.Type), "error", took)
		m.fail(storeCtx, ws, StatusBuilding, msg, logger)
		return
	}

	if err := m.store.SetPath(storeCtx, ws.ID, path); err != nil {
		telemetry.WorkspaceProvisioned(string(ws.Type), "error", took)
		m.fail(storeCtx, ws, StatusBuilding, err.Error(), logger)
		return
	}
	if err := m.store.Transition(storeCtx, ws.ID, StatusBuilding, StatusReady, ""); err != nil {
		logger.Error("mark workspace ready", slog.String("error", err.Error()))
		return
	}
	telemetry.WorkspaceProvisioned(string(ws.Type), "ready", took)
	m.notify(ws.ID)
	logger.Info("workspace ready", slog.String("path", path), slog.Duration("took", took))
}

func (m *Manager) fail(ctx context.Context, ws *Workspace, from Status, msg string, logger *slog.Logger) {
	err := m.store.Transition(ctx, ws.ID, from, StatusError, msg)
	if err != nil {
		logger.Error("mark workspace errored", slog.String("error", err.Error()))
		return
	}
	m.notify(ws.ID)
	logger.Warn("workspace provisioning failed", slog.String("reason", msg))
}

// WaitReady blocks until the workspace is ready. It returns
// WORKSPACE_NOT_READY as soon as the workspace errors or is torn down.
func (m *Manager) WaitReady(ctx context.Context, id string) (*Workspace, error) {
	for {
		changed := m.changed(id)
		ws, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch ws.Status {
		case StatusReady:
			return ws, nil
		case StatusError, StatusDestroying, StatusDestroyed:
			return nil, notReady(ws)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func notReady(ws *Workspace) error {
	e := merrors.Newf(merrors.ErrCodeWorkspaceNotReady, "workspace %s is %s", ws.ID, ws.Status).
		WithContext("status", string(ws.Status))
	if ws.ErrorMessage != "" {
		e.Message += ": " + ws.ErrorMessage
	}
	return e
}

// Acquire leases a ready workspace to a mission. A workspace has at most one
// lease holder; acquiring again for the same mission is a no-op.
func (m *Manager) Acquire(ctx context.Context, id, missionID string) error {
	// The status is read under m.mu so a Delete cannot complete between the
	// check and the lease.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleting[id] {
		return merrors.Newf(merrors.ErrCodeWorkspaceNotReady, "workspace %s is being deleted", id)
	}
	ws, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ws.Status != StatusReady {
		return notReady(ws)
	}
	if holder, ok := m.leases[id]; ok && holder != missionID {
		return merrors.Newf(merrors.ErrCodeConflict, "workspace %s is in use by mission %s", id, holder).
			WithContext("holder", holder)
	}
	m.leases[id] = missionID
	return nil
}

// Release drops missionID's lease on the workspace, if it holds one.
func (m *Manager) Release(id, missionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[id] == missionID {
		delete(m.leases, id)
	}
}

// Holder returns the mission holding the workspace lease, or "".
func (m *Manager) Holder(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leases[id]
}

// Delete tears a workspace down. A leased workspace is rejected with
// CONFLICT; in-flight provisioning is cancelled first. Deleting a destroyed
// workspace is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) (*Workspace, error) {
	ws, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.Status == StatusDestroyed {
		return ws, nil
	}

	m.mu.Lock()
	if holder, ok := m.leases[id]; ok {
		m.mu.Unlock()
		return nil, merrors.Newf(merrors.ErrCodeConflict, "workspace %s is in use by mission %s", id, holder)
	}
	if m.deleting[id] {
		m.mu.Unlock()
		return nil, merrors.Newf(merrors.ErrCodeConflict, "workspace %s is already being deleted", id)
	}
	m.deleting[id] = true
	j := m.jobs[id]
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.deleting, id)
		m.mu.Unlock()
	}()

	if j != nil {
		j.cancel()
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if ws, err = m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	if ws.Status != StatusDestroying {
		if err := m.store.Transition(ctx, id, ws.Status, StatusDestroying, ws.ErrorMessage); err != nil {
			return nil, err
		}
		m.notify(id)
	}
	if err := m.teardown(ctx, ws); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

func (m *Manager) teardown(ctx context.Context, ws *Workspace) error {
	if prov, ok := m.provisioners[ws.Type]; ok {
		if err := prov.Teardown(ctx, ws); err != nil {
			return merrors.Wrap(err, merrors.ErrCodeWorkspaceProvision, "tear down workspace").
				WithContext("workspace_id", ws.ID)
		}
	}
	if err := m.store.Transition(ctx, ws.ID, StatusDestroying, StatusDestroyed, ws.ErrorMessage); err != nil {
		return err
	}
	m.notify(ws.ID)
	m.logger.Info("workspace destroyed", slog.String("workspace_id", ws.ID))
	return nil
}

// Recover reconciles workspaces left mid-flight by a previous process:
// pending or building ones move to error, destroying ones finish teardown.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	stale, err := m.store.ListByStatus(ctx, StatusPending, StatusBuilding, StatusDestroying)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ws := range stale {
		m.mu.Lock()
		running := m.jobs[ws.ID] != nil
		m.mu.Unlock()
		if running {
			continue
		}
		logger := logging.WithWorkspace(m.logger, ws.ID)
		if ws.Status == StatusDestroying {
			if err := m.teardown(ctx, ws); err != nil {
				logger.Warn("resume workspace teardown", slog.String("error", err.Error()))
				continue
			}
			n++
			continue
		}
		if err := m.store.Transition(ctx, ws.ID, ws.Status, StatusError, interruptedMessage); err != nil {
			if merrors.IsCode(err, merrors.ErrCodeConflict) {
				continue
			}
			return n, err
		}
		m.notify(ws.ID)
		logger.Warn("workspace provisioning was interrupted", slog.String("checkpoint", ws.Checkpoint))
		n++
	}
	return n, nil
}

// Close cancels in-flight provisioning and waits for the jobs to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()
	m.wg.Wait()
	return nil
}

// changed returns a channel closed on the next status change of id.
func (m *Manager) changed(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.watchers[id]
	if !ok {
		ch = make(chan struct{})
		m.watchers[id] = ch
	}
	return ch
}

func (m *Manager) notify(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.watchers[id]; ok {
		close(ch)
		delete(m.watchers, id)
	}
}
