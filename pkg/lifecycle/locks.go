package lifecycle

import (
	"fmt"
	"sync"

	"github.com/cuemby/berth/pkg/types"
)

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// portClaims tracks host ports held by creates that have not been persisted yet
type portClaims struct {
	mu     sync.Mutex
	claims map[types.Engine]map[string]string // engine -> host key -> container name
}

func newPortClaims() *portClaims {
	return &portClaims{claims: make(map[types.Engine]map[string]string)}
}

// holdsPorts reports whether a record still occupies its host ports on the engine
func holdsPorts(r *types.ContainerRecord) bool {
	return r.Phase != types.PhaseRemoved && r.ObservedState != types.StateRemoved
}

// claim reserves the host ports of spec on its engine. The engine's stored
// records are read through list while the claims are locked, so a create
// that stored its record and dropped its claim is always seen. Release the
// claim only after the record is stored.
func (p *portClaims) claim(spec *types.ContainerSpec, list func(types.Engine) ([]*types.ContainerRecord, error)) (func(), error) {
	if len(spec.Ports) == 0 {
		return func() {}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	existing, err := list(spec.Engine)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]string)
	for _, r := range existing {
		if !holdsPorts(r) {
			continue
		}
		for _, port := range r.Ports {
			inUse[port.HostKey()] = r.Name
		}
	}
	claimed := p.claims[spec.Engine]
	for _, port := range spec.Ports {
		key := port.HostKey()
		holder, ok := inUse[key]
		if !ok {
			holder, ok = claimed[key]
		}
		if ok {
			return nil, &types.Error{
				Kind:     types.KindConflict,
				Op:       "create",
				Engine:   spec.Engine,
				Resource: spec.Name,
				Msg:      fmt.Sprintf("host port %s is already published by %s", key, holder),
			}
		}
	}

	if claimed == nil {
		claimed = make(map[string]string)
		p.claims[spec.Engine] = claimed
	}
	for _, port := range spec.Ports {
		claimed[port.HostKey()] = spec.Name
	}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, port := range spec.Ports {
			delete(p.claims[spec.Engine], port.HostKey())
		}
	}, nil
}
