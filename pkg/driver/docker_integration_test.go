package driver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// dockerAvailable checks for a reachable Docker provider without panicking
func dockerAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

func TestDockerDriver_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if !dockerAvailable() {
		t.Skip("skipping docker integration test: docker provider not available")
	}

	d, err := NewDocker("")
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		t.Skipf("skipping docker integration test: %v", err)
	}

	name := fmt.Sprintf("berth-it-%d", time.Now().UnixNano())
	rec, err := d.Create(ctx, &types.ContainerSpec{
		Name:      name,
		Image:     "alpine:3.20",
		Engine:    types.EngineDocker,
		Owner:     "it",
		Command:   []string{"sleep", "300"},
		Resources: types.ResourceLimits{CPU: 0.5, MemoryMB: 64},
	})
	require.NoError(t, err)
	defer d.Remove(context.Background(), rec.ID, true)

	require.NoError(t, d.Start(ctx, rec.ID))
	require.NoError(t, d.Start(ctx, rec.ID), "start on running is a no-op")

	obs, err := d.Inspect(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, obs.State)
	assert.Equal(t, "it", obs.Labels[LabelOwner])

	rc, err := d.Exec(ctx, rec.ID, []string{"echo", "hello"})
	require.NoError(t, err)
	out, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.TrimSpace(string(out)))

	require.NoError(t, d.Stop(ctx, rec.ID, time.Second))
	require.NoError(t, d.Stop(ctx, rec.ID, time.Second), "stop on stopped is a no-op")

	require.NoError(t, d.Remove(ctx, rec.ID, false))
	require.NoError(t, d.Remove(ctx, rec.ID, false), "remove on missing is a no-op")

	_, err = d.Inspect(ctx, rec.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
