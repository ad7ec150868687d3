package storage

import (
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		bolt.Close()
		sqlite.Close()
	})
	return map[string]Store{"bolt": bolt, "sqlite": sqlite}
}

func container(id, owner string, engine types.Engine) *types.ContainerRecord {
	return &types.ContainerRecord{
		ID:            id,
		Name:          "c-" + id,
		Owner:         owner,
		Engine:        engine,
		DesiredState:  types.StateRunning,
		ObservedState: types.StateRunning,
		Phase:         types.PhaseActive,
		Image:         "nginx:alpine",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestContainerCRUD(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			c := container("c1", "alice", types.EngineDocker)
			require.NoError(t, s.CreateContainer(c))

			err := s.CreateContainer(c)
			assert.ErrorIs(t, err, types.ErrConflict)

			got, err := s.GetContainer("c1")
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Owner)
			assert.Equal(t, types.PhaseActive, got.Phase)

			require.NoError(t, s.PutContainer(container("c2", "bob", types.EnginePodman)))

			byOwner, err := s.ListContainersByOwner("alice")
			require.NoError(t, err)
			assert.Len(t, byOwner, 1)

			byEngine, err := s.ListContainersByEngine(types.EnginePodman)
			require.NoError(t, err)
			require.Len(t, byEngine, 1)
			assert.Equal(t, "c2", byEngine[0].ID)

			all, err := s.ListContainers()
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, s.DeleteContainer("c1"))
			require.NoError(t, s.DeleteContainer("c1"))
			_, err = s.GetContainer("c1")
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestMutateContainer(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateContainer(container("c1", "alice", types.EngineDocker)))

			got, err := s.MutateContainer("c1", func(c *types.ContainerRecord) error {
				c.ObservedState = types.StateStopped
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, types.StateStopped, got.ObservedState)

			got, err = s.MutateContainer("c1", func(c *types.ContainerRecord) error {
				c.Owner = "mallory"
				return ErrSkipWrite
			})
			require.NoError(t, err)
			assert.Equal(t, "alice", got.Owner)

			stored, err := s.GetContainer("c1")
			require.NoError(t, err)
			assert.Equal(t, "alice", stored.Owner)
			assert.Equal(t, types.StateStopped, stored.ObservedState)

			_, err = s.MutateContainer("missing", func(c *types.ContainerRecord) error { return nil })
			assert.ErrorIs(t, err, types.ErrNotFound)

			boom := types.ConflictF("test", "boom")
			_, err = s.MutateContainer("c1", func(c *types.ContainerRecord) error { return boom })
			assert.ErrorIs(t, err, types.ErrConflict)
		})
	}
}

func TestLinkContainerNetwork(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateContainer(container("c1", "alice", types.EngineDocker)))
			require.NoError(t, s.CreateNetwork(&types.NetworkRecord{
				ID: "n1", Owner: "alice", Engine: types.EngineDocker, Name: "app", Subnet: "172.20.0.0/24",
			}))

			require.NoError(t, s.LinkContainerNetwork("c1", "n1", true))
			require.NoError(t, s.LinkContainerNetwork("c1", "n1", true))

			c, err := s.GetContainer("c1")
			require.NoError(t, err)
			assert.Equal(t, []string{"n1"}, c.Networks)
			n, err := s.GetNetwork("n1")
			require.NoError(t, err)
			assert.Equal(t, []string{"c1"}, n.Attached)

			// Deleting the container detaches it from the network
			require.NoError(t, s.DeleteContainer("c1"))
			n, err = s.GetNetwork("n1")
			require.NoError(t, err)
			assert.Empty(t, n.Attached)

			err = s.LinkContainerNetwork("c1", "n1", false)
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestNetworks(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.CreateNetwork(&types.NetworkRecord{ID: "n2", Engine: types.EnginePodman, Name: "b"}))
			require.NoError(t, s.CreateNetwork(&types.NetworkRecord{ID: "n1", Engine: types.EngineDocker, Name: "a"}))
			assert.ErrorIs(t, s.CreateNetwork(&types.NetworkRecord{ID: "n1", Engine: types.EngineDocker, Name: "a"}), types.ErrConflict)

			all, err := s.ListNetworks()
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "n1", all[0].ID)

			docker, err := s.ListNetworksByEngine(types.EngineDocker)
			require.NoError(t, err)
			assert.Len(t, docker, 1)

			_, err = s.MutateNetwork("n2", func(n *types.NetworkRecord) error {
				n.Subnet = "172.20.5.0/24"
				return nil
			})
			require.NoError(t, err)
			n, err := s.GetNetwork("n2")
			require.NoError(t, err)
			assert.Equal(t, "172.20.5.0/24", n.Subnet)

			require.NoError(t, s.DeleteNetwork("n2"))
			_, err = s.GetNetwork("n2")
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestQuotas(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetQuota("alice")
			assert.ErrorIs(t, err, types.ErrNotFound)

			p := &types.QuotaProfile{
				Owner:  "alice",
				Limits: types.QuotaVector{Containers: 3, CPU: 1.5},
				Usage:  types.QuotaVector{Containers: 1, CPU: 0.5},
			}
			require.NoError(t, s.PutQuota(p))
			p.Usage.Containers = 2
			require.NoError(t, s.PutQuota(p))

			got, err := s.GetQuota("alice")
			require.NoError(t, err)
			assert.Equal(t, 2, got.Usage.Containers)
			assert.InDelta(t, 1.5, got.Limits.CPU, 1e-9)

			all, err := s.ListQuotas()
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("sqlite", t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open("etcd", t.TempDir())
	assert.Error(t, err)
}
