package api_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/api"
	"github.com/cuemby/berth/pkg/client"
	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/driver/drivertest"
	"github.com/cuemby/berth/pkg/lifecycle"
	"github.com/cuemby/berth/pkg/network"
	"github.com/cuemby/berth/pkg/quota"
	"github.com/cuemby/berth/pkg/reconciler"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var (
	alice = types.Caller{Owner: "alice"}
	bob   = types.Caller{Owner: "bob"}
	admin = types.Caller{Owner: "ops", Admin: true}
)

type env struct {
	fake *drivertest.Fake
	dial func(t *testing.T, caller types.Caller) *client.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := drivertest.New(types.EngineDocker)
	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(fake)

	alloc, err := network.NewAllocator("172.20.0.0/16", 24)
	require.NoError(t, err)
	nets := network.NewManager(store, reg, alloc, nil)

	ledger := quota.NewLedger(store, types.QuotaVector{Containers: 2, Ports: 4, StorageGB: 10, CPU: 4, MemoryMB: 4096})
	lc := lifecycle.NewManager(store, reg, ledger, lifecycle.Config{MaxAttempts: 2, Backoff: time.Millisecond}, lifecycle.WithNetworks(nets))
	lc.Run()
	t.Cleanup(lc.Close)

	rec := reconciler.NewReconciler(store, reg, ledger, nets, nil, reconciler.Config{AdoptUnmanaged: true})

	srv := api.NewServer(lc, nets, ledger, reg, rec)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return &env{
		fake: fake,
		dial: func(t *testing.T, caller types.Caller) *client.Client {
			t.Helper()
			c, err := client.NewClient("passthrough:///bufnet", caller,
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
					return lis.DialContext(ctx)
				}),
			)
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })
			return c
		},
	}
}

func TestContainerLifecycleOverAPI(t *testing.T) {
	e := newEnv(t)
	c := e.dial(t, alice)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	rec, warnings, err := c.CreateContainer(ctx, types.ContainerSpec{
		Name:      "web",
		Image:     "nginx:1.27",
		Ports:     []types.PortMapping{{ContainerPort: 80, HostPort: 8080}},
		Resources: types.ResourceLimits{CPU: 0.5, MemoryMB: 256},
		Start:     true,
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, types.StateRunning, rec.ObservedState)

	got, err := c.GetContainer(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 8080, got.Ports[0].HostPort)

	out, err := c.Exec(ctx, rec.ID, []string{"echo", "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo hi\n", out)

	logs, err := c.Logs(ctx, rec.ID, 10)
	require.NoError(t, err)
	assert.Contains(t, logs, rec.ID)

	p, err := c.GetQuota(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Usage.Containers)
	assert.Equal(t, 1, p.Usage.Ports)

	require.NoError(t, c.StopContainer(ctx, rec.ID, time.Second))
	require.NoError(t, c.RemoveContainer(ctx, rec.ID, false))

	list, err := c.ListContainers(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	p, err = c.GetQuota(ctx, "")
	require.NoError(t, err)
	assert.True(t, p.Usage.IsZero())
}

func TestTypedErrorsSurviveTheWire(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.dial(t, alice)

	_, _, err := c.CreateContainer(ctx, types.ContainerSpec{Name: "bad"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = c.GetContainer(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	for _, name := range []string{"a", "b"} {
		_, _, err := c.CreateContainer(ctx, types.ContainerSpec{Name: name, Image: "alpine:3.20"})
		require.NoError(t, err)
	}
	_, _, err = c.CreateContainer(ctx, types.ContainerSpec{Name: "c", Image: "alpine:3.20"})
	require.ErrorIs(t, err, types.ErrQuotaExceeded)
	var qe *types.Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, types.DimContainers, qe.Dimension)
}

func TestOwnershipOverAPI(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ac := e.dial(t, alice)
	bc := e.dial(t, bob)

	rec, _, err := ac.CreateContainer(ctx, types.ContainerSpec{Name: "web", Image: "nginx:1.27"})
	require.NoError(t, err)

	err = bc.RemoveContainer(ctx, rec.ID, true)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	_, err = bc.GetQuota(ctx, "alice")
	assert.ErrorIs(t, err, types.ErrNotOwner)

	_, err = bc.SetQuota(ctx, "bob", types.QuotaVector{Containers: 100})
	assert.ErrorIs(t, err, types.ErrNotOwner)

	list, err := bc.ListContainers(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestNetworksOverAPI(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.dial(t, alice)

	n, err := c.CreateNetwork(ctx, types.NetworkSpec{Name: "backend"})
	require.NoError(t, err)
	assert.Equal(t, "172.20.0.0/24", n.Subnet)

	_, err = c.CreateNetwork(ctx, types.NetworkSpec{Name: "backend"})
	assert.ErrorIs(t, err, types.ErrDuplicateName)

	rec, warnings, err := c.CreateContainer(ctx, types.ContainerSpec{Name: "api", Image: "alpine:3.20", Networks: []string{n.ID}})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.True(t, e.fake.Attached(rec.ID, n.ID))

	err = c.RemoveNetwork(ctx, n.ID)
	assert.ErrorIs(t, err, types.ErrConflict)

	require.NoError(t, c.DetachNetwork(ctx, rec.ID, n.ID))
	require.NoError(t, c.RemoveNetwork(ctx, n.ID))

	nets, err := c.ListNetworks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, nets)
}

func TestBatchOverAPI(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.dial(t, alice)

	rec, _, err := c.CreateContainer(ctx, types.ContainerSpec{Name: "one", Image: "alpine:3.20"})
	require.NoError(t, err)

	results, err := c.Batch(ctx, api.BatchRequest{Action: api.BatchStart, IDs: []string{rec.ID, "missing"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, string(types.KindNotFound), results[1].Kind)

	_, err = c.Batch(ctx, api.BatchRequest{Action: "explode", IDs: []string{rec.ID}})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAdminOperationsOverAPI(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	c := e.dial(t, admin)

	p, err := c.SetQuota(ctx, "carol", types.QuotaVector{Containers: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, p.Limits.Containers)

	profiles, err := c.ListQuotas(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, profiles)

	e.fake.AddExternal(types.ObservedContainer{Name: "stray", Image: "busybox", State: types.StateRunning, CreatedAt: time.Now().Add(-time.Hour)})
	results, err := c.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].Adopted)

	engines, err := c.ListEngines(ctx)
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, types.EngineDocker, engines[0].Engine)
	assert.True(t, engines[0].Default)
	assert.True(t, engines[0].Healthy)

	_, err = e.dial(t, alice).Reconcile(ctx)
	assert.ErrorIs(t, err, types.ErrNotOwner)
}
