package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/odvcencio/missionctl/pkg/errors"
	"github.com/odvcencio/missionctl/pkg/storage"
)

// gatedProvisioner blocks each attempt until release is closed or ctx ends.
type gatedProvisioner struct {
	mu        sync.Mutex
	release   chan struct{}
	fail      error
	attempts  atomic.Int32
	teardowns atomic.Int32
}

func newGatedProvisioner() *gatedProvisioner {
	return &gatedProvisioner{release: make(chan struct{})}
}

func (p *gatedProvisioner) open() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.release)
}

func (p *gatedProvisioner) reset(fail error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release = make(chan struct{})
	p.fail = fail
}

func (p *gatedProvisioner) Provision(ctx context.Context, ws *Workspace, report Reporter) (string, error) {
	p.attempts.Add(1)
	report(StepReset)
	p.mu.Lock()
	release, fail := p.release, p.fail
	p.mu.Unlock()
	select {
	case <-release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if fail != nil {
		return "", fail
	}
	report(StepDone)
	return "/srv/workspaces/" + ws.ID + "/rootfs", nil
}

func (p *gatedProvisioner) Teardown(context.Context, *Workspace) error {
	p.teardowns.Add(1)
	return nil
}

func setupManager(t *testing.T, prov Provisioner) (*Manager, *Store) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "workspaces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewStore(db.DB())
	m := NewManager(store, WithProvisioner(TypeContainer, prov))
	t.Cleanup(func() { _ = m.Close() })
	return m, store
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) *Workspace {
	t.Helper()
	var ws *Workspace
	require.Eventually(t, func() bool {
		got, err := m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		ws = got
		return got.Status == want
	}, 3*time.Second, 5*time.Millisecond, "workspace never reached %s", want)
	return ws
}

func containerRequest(name string) CreateRequest {
	return CreateRequest{Name: name, Type: TypeContainer, Config: json.RawMessage(`{"packages":["git"]}`)}
}

func TestContainerLifecycle(t *testing.T) {
	prov := newGatedProvisioner()
	m, _ := setupManager(t, prov)
	ctx := context.Background()

	ws, err := m.Create(ctx, containerRequest("build-box"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ws.Status)
	assert.Equal(t, []string{"git"}, ws.Config.Packages)

	building := waitStatus(t, m, ws.ID, StatusBuilding)
	assert.Equal(t, StepReset, building.Checkpoint)

	prov.open()
	ready, err := m.WaitReady(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ready.Status)
	assert.Equal(t, "/srv/workspaces/"+ws.ID+"/rootfs", ready.Path)
	assert.Equal(t, StepDone, ready.Checkpoint)
}

func TestHostWorkspace(t *testing.T) {
	m, _ := setupManager(t, newGatedProvisioner())
	ctx := context.Background()
	dir := t.TempDir()

	raw, _ := json.Marshal(Config{HostPath: dir})
	ws, err := m.Create(ctx, CreateRequest{Name: "host-1", Type: TypeHost, Config: raw})
	require.NoError(t, err)

	ready, err := m.WaitReady(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, dir, ready.Path)

	raw, _ = json.Marshal(Config{HostPath: filepath.Join(dir, "missing")})
	bad, err := m.Create(ctx, CreateRequest{Name: "host-2", Type: TypeHost, Config: raw})
	require.NoError(t, err)
	_, err = m.WaitReady(ctx, bad.ID)
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeWorkspaceNotReady), "got %v", err)
	failed, err := m.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "missing")
}

func TestCreateValidation(t *testing.T) {
	m, _ := setupManager(t, newGatedProvisioner())
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty name", CreateRequest{Name: "", Type: TypeContainer}},
		{"bad first char", CreateRequest{Name: "-x", Type: TypeContainer}},
		{"bad char", CreateRequest{Name: "a b", Type: TypeContainer}},
		{"unknown type", CreateRequest{Name: "ok", Type: "vm"}},
		{"host without path", CreateRequest{Name: "ok", Type: TypeHost}},
		{"invalid config", CreateRequest{Name: "ok", Type: TypeContainer, Config: json.RawMessage(`{"packages":"git"}`)}},
		{"shell in package", CreateRequest{Name: "ok", Type: TypeContainer, Config: json.RawMessage(`{"packages":["git; rm -rf /"]}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Create(ctx, tt.req)
			assert.True(t, merrors.IsCode(err, merrors.ErrCodeInvalidInput), "got %v", err)
		})
	}

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestContainerDisabled(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	defer db.Close()
	m := NewManager(NewStore(db.DB()))
	defer m.Close()

	_, err = m.Create(context.Background(), containerRequest("c"))
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeInvalidInput))
}

func TestFailureAndRetry(t *testing.T) {
	prov := newGatedProvisioner()
	prov.fail = errors.New("insufficient disk space under /srv: 10 MiB free")
	m, _ := setupManager(t, prov)
	ctx := context.Background()

	ws, err := m.Create(ctx, containerRequest("flaky"))
	require.NoError(t, err)
	prov.open()

	failed := waitStatus(t, m, ws.ID, StatusError)
	assert.Contains(t, failed.ErrorMessage, "insufficient disk space")

	_, err = m.WaitReady(ctx, ws.ID)
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeWorkspaceNotReady))
	assert.Contains(t, err.Error(), "insufficient disk space")

	prov.reset(nil)
	retried, err := m.Retry(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBuilding, retried.Status)
	assert.Empty(t, retried.ErrorMessage)

	prov.open()
	ready, err := m.WaitReady(ctx, ws.ID)
	require.NoError(t, err)
	assert.Empty(t, ready.ErrorMessage)
	assert.Equal(t, int32(2), prov.attempts.Load())

	_, err = m.Retry(ctx, ws.ID)
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeConflict))
}

func TestWaitReadyBlocksUntilContextDone(t *testing.T) {
	m, _ := setupManager(t, newGatedProvisioner())
	ws, err := m.Create(context.Background(), containerRequest("slow"))
	require.NoError(t, err)
	waitStatus(t, m, ws.ID, StatusBuilding)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.WaitReady(ctx, ws.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = m.WaitReady(context.Background(), "nope")
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeNotFound))
}

func TestLeases(t *testing.T) {
	prov := newGatedProvisioner()
	m, _ := setupManager(t, prov)
	ctx := context.Background()

	ws, err := m.Create(ctx, containerRequest("leased"))
	require.NoError(t, err)
	waitStatus(t, m, ws.ID, StatusBuilding)

	err = m.Acquire(ctx, ws.ID, "m1")
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeWorkspaceNotReady), "got %v", err)

	prov.open()
	_, err = m.WaitReady(ctx, ws.ID)
	require.NoError(t, err)

	require.NoError(t, m.Acquire(ctx, ws.ID, "m1"))
	require.NoError(t, m.Acquire(ctx, ws.ID, "m1"))
	err = m.Acquire(ctx, ws.ID, "m2")
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeConflict))
	assert.Equal(t, "m1", m.Holder(ws.ID))

	_, err = m.Delete(ctx, ws.ID)
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeConflict))

	m.Release(ws.ID, "m2")
	assert.Equal(t, "m1", m.Holder(ws.ID))
	m.Release(ws.ID, "m1")
	require.NoError(t, m.Acquire(ctx, ws.ID, "m2"))
	m.Release(ws.ID, "m2")

	gone, err := m.Delete(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, gone.Status)
	assert.Equal(t, int32(1), prov.teardowns.Load())

	again, err := m.Delete(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, again.Status)
	assert.Equal(t, int32(1), prov.teardowns.Load(), "deleting a destroyed workspace is a no-op")

	err = m.Acquire(ctx, ws.ID, "m3")
	assert.True(t, merrors.IsCode(err, merrors.ErrCodeWorkspaceNotReady))
}

func TestAcquireRacingDelete(t *testing.T) {
	m, _ := setupManager(t, newGatedProvisioner())
	ctx := context.Background()
	dir := t.TempDir()
	raw, _ := json.Marshal(Config{HostPath: dir})

	for i := 0; i < 50; i++ {
		ws, err := m.Create(ctx, CreateRequest{Name: fmt.Sprintf("race-%d", i), Type: TypeHost, Config: raw})
		require.NoError(t, err)
		_, err = m.WaitReady(ctx, ws.ID)
		require.NoError(t, err)

		var acquireErr, deleteErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			acquireErr = m.Acquire(ctx, ws.ID, "m1")
		}()
		go func() {
			defer wg.Done()
			_, deleteErr = m.Delete(ctx, ws.ID)
		}()
		wg.Wait()

		got, err := m.Get(ctx, ws.ID)
		require.NoError(t, err)
		if acquireErr == nil {
			assert.True(t, merrors.IsCode(deleteErr, merrors.ErrCodeConflict), "round %d: got %v", i, deleteErr)
			assert.Equal(t, StatusReady, got.Status, "round %d: leased workspace was destroyed", i)
			m.Release(ws.ID, "m1")
		} else {
			require.NoError(t, deleteErr, "round %d", i)
			assert.True(t, merrors.IsCode(acquireErr, merrors.ErrCodeWorkspaceNotReady), "round %d: got %v", i, acquireErr)
			assert.Equal(t, StatusDestroyed, got.Status)
			assert.Empty(t, m.Holder(ws.ID), "round %d: lease granted on a destroyed workspace", i)
		}
	}
}

func TestDeleteCancelsProvisioning(t *testing.T) {
	prov := newGatedProvisioner()
	m, _ := setupManager(t, prov)
	ctx := context.Background()

	ws, err := m.Create(ctx, containerRequest("doomed"))
	require.NoError(t, err)
	waitStatus(t, m, ws.ID, StatusBuilding)

	waitErr := make(chan error, 1)
	go func() {
		_, err := m.WaitReady(ctx, ws.ID)
		waitErr <- err
	}()

	gone, err := m.Delete(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, gone.Status)
	assert.Equal(t, "provisioning cancelled", gone.ErrorMessage)

	select {
	case err := <-waitErr:
		assert.True(t, merrors.IsCode(err, merrors.ErrCodeWorkspaceNotReady), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReady did not return after delete")
	}
}

func TestRecoverInterruptedProvisioning(t *testing.T) {
	m, store := setupManager(t, newGatedProvisioner())
	ctx := context.Background()
	now := time.Now().UTC()

	for id, st := range map[string]Status{"ws-pending": StatusPending, "ws-building": StatusBuilding, "ws-ready": StatusReady} {
		require.NoError(t, store.Insert(ctx, &Workspace{ID: id, Name: id, Type: TypeContainer, Status: st, Checkpoint: StepRootfs, CreatedAt: now, UpdatedAt: now}))
	}
	require.NoError(t, store.Insert(ctx, &Workspace{ID: "ws-destroying", Name: "d", Type: TypeContainer, Status: StatusDestroying, CreatedAt: now, UpdatedAt: now}))

	n, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"ws-pending", "ws-building"} {
		ws, err := m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusError, ws.Status, id)
		assert.Equal(t, interruptedMessage, ws.ErrorMessage)
	}
	ws, err := m.Get(ctx, "ws-ready")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, ws.Status)
	ws, err = m.Get(ctx, "ws-destroying")
	require.NoError(t, err)
	assert.Equal(t, StatusDestroyed, ws.Status)
}

func TestCloseCancelsJobs(t *testing.T) {
	prov := newGatedProvisioner()
	m, _ := setupManager(t, prov)
	ws, err := m.Create(context.Background(), containerRequest("interrupted"))
	require.NoError(t, err)
	waitStatus(t, m, ws.ID, StatusBuilding)

	require.NoError(t, m.Close())
	got, err := m.Get(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	_, err = m.Create(context.Background(), containerRequest("late"))
	assert.Error(t, err)
}
