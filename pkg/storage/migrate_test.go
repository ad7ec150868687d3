package storage

import (
	"testing"

	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s Store) {
	t.Helper()
	require.NoError(t, s.CreateContainer(container("c1", "alice", types.EngineDocker)))
	require.NoError(t, s.CreateContainer(container("c2", "bob", types.EngineLXC)))
	require.NoError(t, s.CreateNetwork(&types.NetworkRecord{
		ID: "n1", Owner: "alice", Engine: types.EngineDocker, Name: "app", Subnet: "172.20.0.0/24",
	}))
	require.NoError(t, s.LinkContainerNetwork("c1", "n1", true))
	require.NoError(t, s.PutQuota(&types.QuotaProfile{
		Owner:  "alice",
		Limits: types.QuotaVector{Containers: 5},
		Usage:  types.QuotaVector{Containers: 1},
	}))
}

func TestMigrateBoltToSQLite(t *testing.T) {
	src, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()
	dst, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	seed(t, src)

	stats, err := Migrate(src, dst, false)
	require.NoError(t, err)
	assert.Equal(t, MigrateStats{Containers: 2, Networks: 1, Quotas: 1}, stats)

	c, err := dst.GetContainer("c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, c.Networks)
	n, err := dst.GetNetwork("n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, n.Attached)
	q, err := dst.GetQuota("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, q.Usage.Containers)
}

func TestMigrateDryRunWritesNothing(t *testing.T) {
	src, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()
	dst, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	seed(t, src)

	stats, err := Migrate(src, dst, true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Containers)

	all, err := dst.ListContainers()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMigrateRefusesNonEmptyDestination(t *testing.T) {
	src, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer src.Close()
	dst, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	defer dst.Close()

	seed(t, src)
	require.NoError(t, dst.CreateContainer(container("other", "carol", types.EngineDocker)))

	_, err = Migrate(src, dst, false)
	assert.ErrorIs(t, err, types.ErrConflict)
}
