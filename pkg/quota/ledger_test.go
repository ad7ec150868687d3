package quota

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuemby/berth/pkg/storage"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLimits = types.QuotaVector{Containers: 3, Ports: 4, StorageGB: 10, CPU: 2, MemoryMB: 1024}

func newTestLedger(t *testing.T) (*Ledger, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewLedger(store, testLimits), store
}

func TestReserveWithinLimits(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, Ports: 2, CPU: 0.5, MemoryMB: 256})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StateHeld, l.State(r))

	p, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Usage.Containers)
	assert.Equal(t, 2, p.Usage.Ports)
	assert.Equal(t, testLimits, p.Limits)
}

func TestReserveReportsFirstExceededDimension(t *testing.T) {
	tests := []struct {
		name  string
		delta types.QuotaVector
		want  types.Dimension
	}{
		{"containers first", types.QuotaVector{Containers: 4, Ports: 5, MemoryMB: 2048}, types.DimContainers},
		{"ports before memory", types.QuotaVector{Containers: 1, Ports: 5, MemoryMB: 2048}, types.DimPorts},
		{"storage", types.QuotaVector{Containers: 1, StorageGB: 11}, types.DimStorage},
		{"cpu", types.QuotaVector{Containers: 1, CPU: 2.5}, types.DimCPU},
		{"memory", types.QuotaVector{Containers: 1, MemoryMB: 1025}, types.DimMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			_, err := l.Reserve(context.Background(), "alice", tt.delta)
			require.ErrorIs(t, err, types.ErrQuotaExceeded)

			var qe *types.Error
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.want, qe.Dimension)

			p, err := l.Profile(context.Background(), "alice")
			require.NoError(t, err)
			assert.True(t, p.Usage.IsZero(), "a rejected reservation holds nothing")
		})
	}
}

func TestReserveExactLimitIncludingFractionalCPU(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, CPU: 0.7})
		require.NoError(t, err)
		require.NoError(t, l.Commit(r))
	}
	r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, CPU: 0.6})
	require.NoError(t, err, "0.7+0.7+0.6 fits a 2.0 cpu limit")
	require.NoError(t, l.Commit(r))

	_, err = l.Reserve(ctx, "alice", types.QuotaVector{})
	assert.NoError(t, err, "an empty demand always fits")
}

func TestReserveReleaseIsIdentity(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	committed, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, Ports: 1, CPU: 0.3, MemoryMB: 128})
	require.NoError(t, err)
	require.NoError(t, l.Commit(committed))

	before, err := l.Profile(ctx, "alice")
	require.NoError(t, err)

	r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, Ports: 2, StorageGB: 3, CPU: 0.7, MemoryMB: 512})
	require.NoError(t, err)
	require.NoError(t, l.Release(r))

	after, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, after.Usage.Sub(before.Usage).IsZero(), "usage before %+v after %+v", before.Usage, after.Usage)
}

func TestSettleTwiceFailsLoudly(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	delta := types.QuotaVector{Containers: 1}

	r, err := l.Reserve(ctx, "alice", delta)
	require.NoError(t, err)
	require.NoError(t, l.Commit(r))

	assert.ErrorIs(t, l.Commit(r), types.ErrReservationState)
	assert.ErrorIs(t, l.Release(r), types.ErrReservationState)
	assert.Equal(t, StateCommitted, l.State(r))

	r2, err := l.Reserve(ctx, "alice", delta)
	require.NoError(t, err)
	require.NoError(t, l.Release(r2))
	assert.ErrorIs(t, l.Release(r2), types.ErrReservationState)
	assert.ErrorIs(t, l.Commit(r2), types.ErrReservationState)

	p, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Usage.Containers, "failed settles change nothing")
}

func TestConcurrentReservesNeverExceedLimits(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const workers = 64
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, CPU: 0.25})
			if err != nil {
				assert.ErrorIs(t, err, types.ErrQuotaExceeded)
				rejected.Add(1)
				return
			}
			accepted.Add(1)
			assert.NoError(t, l.Commit(r))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(testLimits.Containers), accepted.Load())
	assert.Equal(t, int32(workers-testLimits.Containers), rejected.Load())

	p, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	_, over := p.Usage.FirstExceeded(p.Limits)
	assert.False(t, over)
	assert.Equal(t, testLimits.Containers, p.Usage.Containers)
}

func TestOwnersAreIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < testLimits.Containers; i++ {
		_, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1})
		require.NoError(t, err)
	}
	_, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1})
	assert.ErrorIs(t, err, types.ErrQuotaExceeded)

	_, err = l.Reserve(ctx, "bob", types.QuotaVector{Containers: 1})
	assert.NoError(t, err)
}

func TestApplyClampsAtZero(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, Ports: 1, CPU: 0.5})
	require.NoError(t, err)
	require.NoError(t, l.Commit(r))

	require.NoError(t, l.Apply(ctx, "alice", types.QuotaVector{Containers: -2, Ports: -1, CPU: -0.5}))

	p, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.Usage.IsZero())

	assert.ErrorIs(t, l.Apply(ctx, "alice", types.QuotaVector{Containers: 1}), types.ErrValidation)
}

func TestApplyKeepsHeldReservations(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	r1, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1})
	require.NoError(t, err)
	require.NoError(t, l.Commit(r1))
	_, err = l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1})
	require.NoError(t, err)

	require.NoError(t, l.Apply(ctx, "alice", types.QuotaVector{Containers: -1}))

	p, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Usage.Containers, "the held reservation still counts")
}

func TestUsagePersistedOnCommit(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	r, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 1, MemoryMB: 64})
	require.NoError(t, err)

	stored, err := store.GetQuota("alice")
	require.NoError(t, err)
	assert.Zero(t, stored.Usage.Containers, "held demand is not persisted")

	require.NoError(t, l.Commit(r))
	stored, err = store.GetQuota("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Usage.Containers)
	assert.Equal(t, int64(64), stored.Usage.MemoryMB)

	// A fresh ledger over the same store sees the committed usage
	l2 := NewLedger(store, testLimits)
	p, err := l2.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Usage.Containers)
}

func TestProvisionAndSetLimits(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	custom := types.QuotaVector{Containers: 1, Ports: 1, StorageGB: 1, CPU: 1, MemoryMB: 512}
	p, err := l.Provision(ctx, "carol", &custom)
	require.NoError(t, err)
	assert.Equal(t, custom, p.Limits)

	// Provision on an existing owner leaves it unchanged
	p, err = l.Provision(ctx, "carol", &testLimits)
	require.NoError(t, err)
	assert.Equal(t, custom, p.Limits)

	p, err = l.Provision(ctx, "dave", nil)
	require.NoError(t, err)
	assert.Equal(t, testLimits, p.Limits)

	r, err := l.Reserve(ctx, "carol", types.QuotaVector{Containers: 1})
	require.NoError(t, err)
	require.NoError(t, l.Commit(r))

	// Lowering below usage is allowed but blocks new reservations
	_, err = l.SetLimits(ctx, "carol", types.QuotaVector{})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "carol", types.QuotaVector{Containers: 1})
	assert.ErrorIs(t, err, types.ErrQuotaExceeded)

	_, err = l.SetLimits(ctx, "carol", types.QuotaVector{Containers: -1})
	assert.ErrorIs(t, err, types.ErrValidation)

	profiles, err := l.Profiles(ctx)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
}

func TestProvisionRacingReserveAgrees(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	custom := types.QuotaVector{Containers: 7, Ports: 7, StorageGB: 7, CPU: 7, MemoryMB: 7}

	owners := make([]string, 50)
	for i := range owners {
		owners[i] = fmt.Sprintf("owner-%02d", i)
	}

	var wg sync.WaitGroup
	for _, owner := range owners {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = l.Reserve(ctx, owner, types.QuotaVector{Containers: 1})
		}()
		go func() {
			defer wg.Done()
			_, err := l.Provision(ctx, owner, &custom)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, owner := range owners {
		p, err := l.Profile(ctx, owner)
		require.NoError(t, err)
		stored, err := store.GetQuota(owner)
		require.NoError(t, err)
		assert.Equal(t, stored.Limits, p.Limits, owner)
	}
}

func TestRecompute(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	held, err := l.Reserve(ctx, "alice", types.QuotaVector{Containers: 2})
	require.NoError(t, err)

	records := []*types.ContainerRecord{
		{ID: "a", Owner: "alice", Phase: types.PhaseActive, Resources: types.ResourceLimits{CPU: 0.5}, Ports: []types.PortMapping{{ContainerPort: 80, HostPort: 8080}}},
		{ID: "b", Owner: "alice", Phase: types.PhaseFailed, Resources: types.ResourceLimits{CPU: 1}},
		{ID: "c", Owner: "alice", Phase: types.PhaseRemoving},
		{ID: "d", Owner: "unmanaged", Phase: types.PhaseActive, Adopted: true},
		{ID: "e", Owner: "bob", Phase: types.PhaseActive, Resources: types.ResourceLimits{MemoryMB: 256}},
	}
	require.NoError(t, l.Recompute(ctx, records))

	alice, err := l.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaVector{Containers: 1, Ports: 1, CPU: 0.5}, alice.Usage)

	bob, err := l.Profile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.QuotaVector{Containers: 1, MemoryMB: 256}, bob.Usage)

	unmanaged, err := l.Profile(ctx, "unmanaged")
	require.NoError(t, err)
	assert.True(t, unmanaged.Usage.IsZero())

	assert.ErrorIs(t, l.Commit(held), types.ErrReservationState, "held reservations are dropped")
}
