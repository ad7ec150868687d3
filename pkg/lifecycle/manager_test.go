package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/driver/drivertest"
	"github.com/cuemby/berth/pkg/events"
	"github.com/cuemby/berth/pkg/quota"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = types.Caller{Owner: "alice"}
	bob   = types.Caller{Owner: "bob"}
	admin = types.Caller{Owner: "ops", Admin: true}

	roomyLimits = types.QuotaVector{Containers: 10, Ports: 10, StorageGB: 100, CPU: 8, MemoryMB: 8192}
)

type harness struct {
	m      *Manager
	fake   *drivertest.Fake
	store  storage.Store
	ledger *quota.Ledger
}

func newHarness(t *testing.T, limits types.QuotaVector, opts ...Option) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := drivertest.New(types.EngineDocker)
	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(fake)

	ledger := quota.NewLedger(store, limits)
	m := NewManager(store, reg, ledger, Config{MaxAttempts: 3, Backoff: time.Millisecond}, opts...)
	m.Run()
	t.Cleanup(m.Close)
	return &harness{m: m, fake: fake, store: store, ledger: ledger}
}

func (h *harness) usage(t *testing.T, owner string) types.QuotaVector {
	t.Helper()
	p, err := h.ledger.Profile(context.Background(), owner)
	require.NoError(t, err)
	return p.Usage
}

func (h *harness) create(t *testing.T, caller types.Caller, spec types.ContainerSpec) *types.ContainerRecord {
	t.Helper()
	res, err := h.m.Create(context.Background(), caller, spec)
	require.NoError(t, err)
	require.Empty(t, res.Warnings)
	return res.Record
}

func web(name string, hostPort int) types.ContainerSpec {
	spec := types.ContainerSpec{
		Name:      name,
		Image:     "nginx:1.27",
		Resources: types.ResourceLimits{CPU: 0.5, MemoryMB: 256},
	}
	if hostPort > 0 {
		spec.Ports = []types.PortMapping{{ContainerPort: 80, HostPort: hostPort}}
	}
	return spec
}

func TestCreateCommitsQuota(t *testing.T) {
	h := newHarness(t, roomyLimits)

	rec := h.create(t, alice, web("web", 8080))
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, types.EngineDocker, rec.Engine)
	assert.Equal(t, types.PhaseActive, rec.Phase)
	assert.Equal(t, types.StateCreated, rec.ObservedState)

	stored, err := h.store.GetContainer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	u := h.usage(t, "alice")
	assert.Equal(t, 1, u.Containers)
	assert.Equal(t, 1, u.Ports)
	assert.InDelta(t, 0.5, u.CPU, 1e-9)
	assert.Equal(t, int64(256), u.MemoryMB)
}

func TestCreateAndStart(t *testing.T) {
	h := newHarness(t, roomyLimits)
	spec := web("web", 0)
	spec.Start = true

	rec := h.create(t, alice, spec)
	assert.Equal(t, types.StateRunning, rec.DesiredState)
	assert.Equal(t, types.StateRunning, rec.ObservedState)

	obs, ok := h.fake.Container(rec.ID)
	require.True(t, ok)
	assert.Equal(t, types.StateRunning, obs.State)
}

func TestCreateOwnerResolution(t *testing.T) {
	h := newHarness(t, roomyLimits)

	spec := web("for-bob", 0)
	spec.Owner = "bob"
	_, err := h.m.Create(context.Background(), alice, spec)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	rec := h.create(t, admin, spec)
	assert.Equal(t, "bob", rec.Owner)

	_, err = h.m.Create(context.Background(), types.Caller{}, web("anon", 0))
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.create(t, alice, web("web", 0))

	_, err := h.m.Create(context.Background(), bob, web("web", 0))
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Zero(t, h.usage(t, "bob").Containers)
	assert.Equal(t, 1, h.fake.Calls("create"))
}

func TestCreateRejectsHostPortInUse(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.create(t, alice, web("a", 8080))

	_, err := h.m.Create(context.Background(), bob, web("b", 8080))
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Zero(t, h.usage(t, "bob").Ports)

	udp := web("c", 8080)
	udp.Ports[0].Protocol = "udp"
	h.create(t, bob, udp)
}

// listPauser stalls the first armed ListContainersByEngine call after it has
// read the store, handing its caller a stale snapshot.
type listPauser struct {
	storage.Store
	armed  atomic.Bool
	paused chan struct{}
	resume chan struct{}
}

func (s *listPauser) ListContainersByEngine(engine types.Engine) ([]*types.ContainerRecord, error) {
	records, err := s.Store.ListContainersByEngine(engine)
	if s.armed.CompareAndSwap(true, false) {
		close(s.paused)
		<-s.resume
	}
	return records, err
}

func TestCreateConcurrentSameHostPort(t *testing.T) {
	base, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })
	store := &listPauser{Store: base, paused: make(chan struct{}), resume: make(chan struct{})}
	store.armed.Store(true)

	fake := drivertest.New(types.EngineDocker)
	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(fake)
	m := NewManager(store, reg, quota.NewLedger(store, roomyLimits), Config{MaxAttempts: 1, Backoff: time.Millisecond})
	ctx := context.Background()

	errB := make(chan error, 1)
	go func() {
		_, err := m.Create(ctx, bob, web("b", 8080))
		errB <- err
	}()
	<-store.paused

	// a runs to completion while b holds a snapshot taken before a existed
	_, errA := m.Create(ctx, alice, web("a", 8080))
	require.NoError(t, errA)
	close(store.resume)
	assert.ErrorIs(t, <-errB, types.ErrConflict)

	records, err := base.ListContainersByEngine(types.EngineDocker)
	require.NoError(t, err)
	publishing := 0
	for _, r := range records {
		for _, p := range r.Ports {
			if p.HostPort == 8080 {
				publishing++
			}
		}
	}
	assert.Equal(t, 1, publishing)
	assert.Equal(t, 1, fake.Count())
}

func TestCreateQuotaExceeded(t *testing.T) {
	limits := roomyLimits
	limits.Containers = 1
	h := newHarness(t, limits)
	h.create(t, alice, web("a", 0))

	_, err := h.m.Create(context.Background(), alice, web("b", 0))
	require.ErrorIs(t, err, types.ErrQuotaExceeded)
	var qe *types.Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, types.DimContainers, qe.Dimension)
	assert.Equal(t, 1, h.fake.Calls("create"), "the engine is never called")
}

func TestCreateInFlightHoldsQuota(t *testing.T) {
	limits := roomyLimits
	limits.Containers = 1
	h := newHarness(t, limits)
	h.fake.Creating = make(chan string, 1)
	h.fake.GateCreate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.m.Create(context.Background(), alice, web("a", 0))
		done <- err
	}()
	require.Equal(t, "a", <-h.fake.Creating)

	_, err := h.m.Create(context.Background(), alice, web("b", 0))
	require.ErrorIs(t, err, types.ErrQuotaExceeded)
	var qe *types.Error
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, types.DimContainers, qe.Dimension)

	h.fake.GateCreate <- struct{}{}
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.usage(t, "alice").Containers)
}

func TestCreateDriverFailureReleases(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.fake.FailNext("create", &types.Error{Kind: types.KindEngineError, Msg: "image not found"})

	_, err := h.m.Create(context.Background(), alice, web("web", 8080))
	require.ErrorIs(t, err, types.ErrProvisioningFailed)
	assert.Equal(t, types.KindEngineError, types.KindOf(errors.Unwrap(err)))
	assert.True(t, h.usage(t, "alice").IsZero())

	records, err := h.store.ListContainers()
	require.NoError(t, err)
	assert.Empty(t, records)

	// The port claim was dropped with the failed create
	h.create(t, alice, web("web", 8080))
}

func TestCreateRetriesUnreachableEngine(t *testing.T) {
	h := newHarness(t, roomyLimits)
	unreachable := &types.Error{Kind: types.KindEngineUnreachable, Msg: "connection refused"}
	h.fake.FailNext("create", unreachable)
	h.fake.FailNext("create", unreachable)

	h.create(t, alice, web("web", 0))
	assert.Equal(t, 3, h.fake.Calls("create"))
}

func TestCreateKeepsContainerFromLostReply(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.fake.LoseNextCreateReply(&types.Error{Kind: types.KindEngineUnreachable, Msg: "context deadline exceeded"})

	rec := h.create(t, alice, web("web", 8080))
	assert.Equal(t, 2, h.fake.Calls("create"))
	assert.Equal(t, 1, h.fake.Count(), "no second container is made")

	obs, ok := h.fake.Container(rec.ID)
	require.True(t, ok, "the record points at the container the first attempt made")
	assert.Equal(t, "web", obs.Name)

	u := h.usage(t, "alice")
	assert.Equal(t, 1, u.Containers)
	assert.Equal(t, 1, u.Ports)
}

func TestCreateConflictAfterLostReplyFromAnotherOwner(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.fake.AddExternal(types.ObservedContainer{Name: "web", Labels: map[string]string{driver.LabelManaged: "true", driver.LabelOwner: "bob"}})
	h.fake.FailNext("create", &types.Error{Kind: types.KindEngineUnreachable})

	_, err := h.m.Create(context.Background(), alice, web("web", 0))
	require.ErrorIs(t, err, types.ErrProvisioningFailed)
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.True(t, h.usage(t, "alice").IsZero())
}

func TestCreateFailurePublishesFailedEvent(t *testing.T) {
	b := events.NewBroker()
	b.Start()
	defer b.Stop()
	sub := b.Subscribe()

	h := newHarness(t, roomyLimits, WithBroker(b))
	h.fake.FailNext("create", &types.Error{Kind: types.KindEngineError, Msg: "image pull failed"})
	_, err := h.m.Create(context.Background(), alice, web("web", 0))
	require.ErrorIs(t, err, types.ErrProvisioningFailed)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventContainerFailed, ev.Type)
		assert.Equal(t, "alice", ev.Owner)
		assert.Equal(t, "web", ev.Resource)
		assert.Contains(t, ev.Message, "image pull failed")
	case <-time.After(time.Second):
		t.Fatal("failed event not published")
	}
}

func TestCreateGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.fake.SetUnreachable(true)

	_, err := h.m.Create(context.Background(), alice, web("web", 0))
	require.ErrorIs(t, err, types.ErrProvisioningFailed)
	assert.True(t, types.IsRetryable(errors.Unwrap(err)))
	assert.Equal(t, 3, h.fake.Calls("create"))
	assert.True(t, h.usage(t, "alice").IsZero())
}

func TestCreateCancelledInFlightQueuesRemoval(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.fake.Creating = make(chan string, 1)
	h.fake.GateCreate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.m.Create(ctx, alice, web("web", 0))
		done <- err
	}()
	<-h.fake.Creating
	cancel()
	h.fake.GateCreate <- struct{}{}

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		records, err := h.store.ListContainers()
		return err == nil && len(records) == 0 && h.fake.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.usage(t, "alice").IsZero())
}

type stubAttacher struct {
	err   error
	calls []string
}

func (s *stubAttacher) Attach(ctx context.Context, caller types.Caller, containerID, networkID string) error {
	s.calls = append(s.calls, containerID+"->"+networkID)
	return s.err
}

func TestCreateReportsFollowUpFailuresAsWarnings(t *testing.T) {
	attacher := &stubAttacher{err: types.NotFoundf("attach", "net-1")}
	h := newHarness(t, roomyLimits, WithNetworks(attacher))
	h.fake.FailNext("start", &types.Error{Kind: types.KindEngineError, Msg: "port already allocated"})

	spec := web("web", 0)
	spec.Start = true
	spec.Networks = []string{"net-1"}

	res, err := h.m.Create(context.Background(), alice, spec)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "attach net-1", res.Warnings[0].Step)
	assert.Equal(t, string(types.KindNotFound), res.Warnings[0].Kind)
	assert.Equal(t, "start", res.Warnings[1].Step)

	assert.Equal(t, types.PhaseActive, res.Record.Phase)
	assert.Equal(t, types.StateCreated, res.Record.DesiredState)
	assert.NotEmpty(t, res.Record.Error)
	assert.Equal(t, []string{res.Record.ID + "->net-1"}, attacher.calls)
	assert.Equal(t, 1, h.usage(t, "alice").Containers, "no rollback")
}

func TestStartStopRestart(t *testing.T) {
	h := newHarness(t, roomyLimits)
	rec := h.create(t, alice, web("web", 0))
	ctx := context.Background()

	require.NoError(t, h.m.Start(ctx, alice, rec.ID))
	got, err := h.m.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, got.ObservedState)

	require.NoError(t, h.m.Stop(ctx, alice, rec.ID, 0))
	got, _ = h.m.Get(ctx, alice, rec.ID)
	assert.Equal(t, types.StateStopped, got.DesiredState)
	assert.Equal(t, types.StateStopped, got.ObservedState)

	require.NoError(t, h.m.Restart(ctx, alice, rec.ID, time.Second))
	got, _ = h.m.Get(ctx, alice, rec.ID)
	assert.Equal(t, types.StateRunning, got.ObservedState)

	assert.Equal(t, 1, h.usage(t, "alice").Containers, "state changes never touch quota")
}

func TestOwnershipChecks(t *testing.T) {
	h := newHarness(t, roomyLimits)
	rec := h.create(t, alice, web("web", 0))
	ctx := context.Background()

	_, err := h.m.Get(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, types.ErrNotOwner)
	assert.ErrorIs(t, h.m.Start(ctx, bob, rec.ID), types.ErrNotOwner)
	assert.ErrorIs(t, h.m.Remove(ctx, bob, rec.ID, true), types.ErrNotOwner)

	assert.NoError(t, h.m.Start(ctx, admin, rec.ID))
	assert.ErrorIs(t, h.m.Start(ctx, alice, "missing"), types.ErrNotFound)
}

func TestRemoveReturnsQuota(t *testing.T) {
	h := newHarness(t, roomyLimits)
	a := h.create(t, alice, web("a", 8080))
	h.create(t, alice, web("b", 0))
	ctx := context.Background()

	require.NoError(t, h.m.Remove(ctx, alice, a.ID, false))
	_, err := h.store.GetContainer(a.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, ok := h.fake.Container(a.ID)
	assert.False(t, ok)

	u := h.usage(t, "alice")
	assert.Equal(t, 1, u.Containers)
	assert.Zero(t, u.Ports)

	// The freed host port is available again
	h.create(t, bob, web("c", 8080))
}

func TestRemoveRunningNeedsForce(t *testing.T) {
	h := newHarness(t, roomyLimits)
	spec := web("web", 0)
	spec.Start = true
	rec := h.create(t, alice, spec)
	ctx := context.Background()

	err := h.m.Remove(ctx, alice, rec.ID, false)
	assert.ErrorIs(t, err, types.ErrConflict)
	got, _ := h.m.Get(ctx, alice, rec.ID)
	assert.Equal(t, types.PhaseActive, got.Phase)
	assert.Equal(t, 1, h.usage(t, "alice").Containers)

	require.NoError(t, h.m.Remove(ctx, alice, rec.ID, true))
	assert.Zero(t, h.usage(t, "alice").Containers)
}

func TestRemoveEngineFailureLeavesRemoving(t *testing.T) {
	h := newHarness(t, roomyLimits)
	a := h.create(t, alice, web("a", 0))
	h.create(t, alice, web("b", 0))
	ctx := context.Background()

	h.fake.FailNext("remove", &types.Error{Kind: types.KindEngineError, Msg: "device busy"})
	require.ErrorIs(t, h.m.Remove(ctx, alice, a.ID, false), types.ErrEngineError)

	got, err := h.store.GetContainer(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PhaseRemoving, got.Phase)
	assert.Equal(t, types.StateRemoved, got.DesiredState)
	assert.NotEmpty(t, got.Error)
	assert.Equal(t, 1, h.usage(t, "alice").Containers, "usage returned when removal starts")

	// A restart hands records left in removing back to the removal worker
	require.NoError(t, h.m.Recover(ctx))
	require.Eventually(t, func() bool {
		_, err := h.store.GetContainer(a.ID)
		return errors.Is(err, types.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := h.fake.Container(a.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, h.usage(t, "alice").Containers, "usage returned once")
}

func TestListScoping(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.create(t, alice, web("a1", 0))
	h.create(t, alice, web("a2", 0))
	h.create(t, bob, web("b1", 0))
	ctx := context.Background()

	mine, err := h.m.List(ctx, alice, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = h.m.List(ctx, alice, ListFilter{Owner: "bob"})
	assert.ErrorIs(t, err, types.ErrNotOwner)

	all, err := h.m.List(ctx, admin, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	bobs, err := h.m.List(ctx, admin, ListFilter{Owner: "bob", Engine: types.EngineDocker})
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "b1", bobs[0].Name)

	lxc, err := h.m.List(ctx, admin, ListFilter{Engine: types.EngineLXC})
	require.NoError(t, err)
	assert.Empty(t, lxc)
}

func TestExecAndLogs(t *testing.T) {
	h := newHarness(t, roomyLimits)
	rec := h.create(t, alice, web("web", 0))
	ctx := context.Background()

	out, err := h.m.Exec(ctx, alice, rec.ID, []string{"echo", "hi"})
	require.NoError(t, err)
	b, _ := io.ReadAll(out)
	assert.Equal(t, "echo hi\n", string(b))

	_, err = h.m.Exec(ctx, alice, rec.ID, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	logs, err := h.m.Logs(ctx, alice, rec.ID, 10)
	require.NoError(t, err)
	b, _ = io.ReadAll(logs)
	assert.Contains(t, string(b), rec.ID)

	_, err = h.m.Logs(ctx, bob, rec.ID, 10)
	assert.ErrorIs(t, err, types.ErrNotOwner)
}

func TestBatchOperations(t *testing.T) {
	h := newHarness(t, roomyLimits)
	a := h.create(t, alice, web("a", 0))
	b := h.create(t, alice, web("b", 0))
	other := h.create(t, bob, web("c", 0))
	ctx := context.Background()

	results := h.m.BatchStart(ctx, alice, []string{a.ID, other.ID, b.ID})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, types.ErrNotOwner)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, b.ID, results[2].ID)

	results = h.m.BatchStop(ctx, alice, []string{a.ID, b.ID}, 0)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	results = h.m.BatchRemove(ctx, alice, []string{a.ID, "missing", b.ID}, false)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, types.ErrNotFound)
	assert.NoError(t, results[2].Err)
	assert.Zero(t, h.usage(t, "alice").Containers)
}

func TestRecoverRecomputesUsage(t *testing.T) {
	h := newHarness(t, roomyLimits)
	h.create(t, alice, web("a", 0))
	h.create(t, alice, web("b", 8080))
	ctx := context.Background()

	// Stale persisted usage from before a crash
	require.NoError(t, h.store.PutQuota(&types.QuotaProfile{Owner: "alice", Limits: roomyLimits, Usage: types.QuotaVector{Containers: 7}}))

	fresh := quota.NewLedger(h.store, roomyLimits)
	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(h.fake)
	m := NewManager(h.store, reg, fresh, Config{})
	require.NoError(t, m.Recover(ctx))

	p, err := fresh.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Usage.Containers)
	assert.Equal(t, 1, p.Usage.Ports)
}
