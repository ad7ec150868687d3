package storage

import (
	"errors"
	"sort"

	"github.com/cuemby/berth/pkg/types"
)

// ErrSkipWrite may be returned from a mutate function to leave the record untouched.
// The mutate call then returns the current record and a nil error.
var ErrSkipWrite = errors.New("storage: skip write")

// ContainerMutator edits a container record inside a transaction
type ContainerMutator func(c *types.ContainerRecord) error

// NetworkMutator edits a network record inside a transaction
type NetworkMutator func(n *types.NetworkRecord) error

// Store defines the interface for control plane state storage.
// Implemented by BoltStore (default) and SQLiteStore.
// Missing records are reported as types.ErrNotFound.
type Store interface {
	// Containers
	CreateContainer(c *types.ContainerRecord) error // types.ErrConflict if the ID exists
	PutContainer(c *types.ContainerRecord) error    // upsert
	GetContainer(id string) (*types.ContainerRecord, error)
	ListContainers() ([]*types.ContainerRecord, error)
	ListContainersByOwner(owner string) ([]*types.ContainerRecord, error)
	ListContainersByEngine(engine types.Engine) ([]*types.ContainerRecord, error)
	MutateContainer(id string, fn ContainerMutator) (*types.ContainerRecord, error)
	DeleteContainer(id string) error // detaches the ID from every network; no-op if missing

	// Networks
	CreateNetwork(n *types.NetworkRecord) error
	GetNetwork(id string) (*types.NetworkRecord, error)
	ListNetworks() ([]*types.NetworkRecord, error)
	ListNetworksByEngine(engine types.Engine) ([]*types.NetworkRecord, error)
	MutateNetwork(id string, fn NetworkMutator) (*types.NetworkRecord, error)
	DeleteNetwork(id string) error

	// LinkContainerNetwork updates both sides of an attachment atomically
	LinkContainerNetwork(containerID, networkID string, attach bool) error

	// Quotas
	GetQuota(owner string) (*types.QuotaProfile, error)
	PutQuota(p *types.QuotaProfile) error
	ListQuotas() ([]*types.QuotaProfile, error)

	// Utility
	Close() error
}

// link applies an attach or detach to both records and reports whether either changed
func link(c *types.ContainerRecord, n *types.NetworkRecord, attach bool) bool {
	changed := false
	if attach {
		changed = n.AddContainer(c.ID)
		if !c.HasNetwork(n.ID) {
			c.Networks = append(c.Networks, n.ID)
			changed = true
		}
		return changed
	}
	changed = n.RemoveContainer(c.ID)
	for i, id := range c.Networks {
		if id == n.ID {
			c.Networks = append(c.Networks[:i:i], c.Networks[i+1:]...)
			changed = true
			break
		}
	}
	return changed
}

func sortContainers(cs []*types.ContainerRecord) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func sortNetworks(ns []*types.NetworkRecord) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Engine != ns[j].Engine {
			return ns[i].Engine < ns[j].Engine
		}
		return ns[i].Name < ns[j].Name
	})
}
