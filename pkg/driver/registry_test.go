package driver_test

import (
	"context"
	"testing"

	"github.com/cuemby/berth/pkg/driver"
	"github.com/cuemby/berth/pkg/driver/drivertest"
	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGet(t *testing.T) {
	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(drivertest.New(types.EngineDocker))
	reg.Register(drivertest.New(types.EngineLXC))

	d, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, types.EngineDocker, d.Engine())

	d, err = reg.Get(types.EngineLXC)
	require.NoError(t, err)
	assert.Equal(t, types.EngineLXC, d.Engine())

	_, err = reg.Get(types.EnginePodman)
	assert.ErrorIs(t, err, types.ErrUnsupported)

	assert.Equal(t, []types.Engine{types.EngineDocker, types.EngineLXC}, reg.Engines())
}

func TestRegistryHealth(t *testing.T) {
	docker := drivertest.New(types.EngineDocker)
	podman := drivertest.New(types.EnginePodman)
	podman.SetUnreachable(true)

	reg := driver.NewRegistry(types.EngineDocker)
	reg.Register(docker)
	reg.Register(podman)

	health := reg.Health(context.Background())
	require.Len(t, health, 2)
	assert.NoError(t, health[types.EngineDocker])
	assert.ErrorIs(t, health[types.EnginePodman], types.ErrEngineUnreachable)
	assert.NoError(t, reg.Close())
}
