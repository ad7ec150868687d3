package lifecycle

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("c1")
			defer unlock()
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Zero(t, k.size(), "unused keys are dropped")
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	<-done
}

func TestPortClaims(t *testing.T) {
	p := newPortClaims()
	spec := func(name string, host int, proto string) *types.ContainerSpec {
		return &types.ContainerSpec{
			Name:   name,
			Engine: types.EngineDocker,
			Ports:  []types.PortMapping{{ContainerPort: 80, Protocol: proto, HostPort: host}},
		}
	}
	stored := []*types.ContainerRecord{
		{Name: "old", Phase: types.PhaseActive, Ports: []types.PortMapping{{ContainerPort: 80, HostPort: 8080}}},
		{Name: "gone", Phase: types.PhaseFailed, ObservedState: types.StateRemoved, Ports: []types.PortMapping{{ContainerPort: 80, HostPort: 9090}}},
	}
	existing := func(engine types.Engine) ([]*types.ContainerRecord, error) {
		if engine != types.EngineDocker {
			return nil, nil
		}
		return stored, nil
	}

	_, err := p.claim(spec("a", 8080, ""), existing)
	assert.ErrorIs(t, err, types.ErrConflict, "held by a stored record")

	_, err = p.claim(spec("a", 8080, "udp"), existing)
	assert.NoError(t, err, "different protocol")

	release, err := p.claim(spec("b", 9090, ""), existing)
	require.NoError(t, err, "a vanished record frees its ports")

	_, err = p.claim(spec("c", 9090, ""), existing)
	assert.ErrorIs(t, err, types.ErrConflict, "held by an in-flight create")

	release()
	_, err = p.claim(spec("c", 9090, ""), existing)
	assert.NoError(t, err)

	other := spec("d", 8080, "")
	other.Engine = types.EngineLXC
	_, err = p.claim(other, existing)
	assert.NoError(t, err, "ports are scoped per engine")

	_, err = p.claim(spec("e", 7070, ""), func(types.Engine) ([]*types.ContainerRecord, error) {
		return nil, errors.New("store closed")
	})
	assert.EqualError(t, err, "store closed")
}
