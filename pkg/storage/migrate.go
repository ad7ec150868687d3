package storage

import (
	"fmt"

	"github.com/cuemby/berth/pkg/log"
	"github.com/cuemby/berth/pkg/types"
)

// MigrateStats counts the records a migration copied, or would copy on a dry run
type MigrateStats struct {
	Containers int
	Networks   int
	Quotas     int
}

// Migrate copies every record from src into dst, which must be empty.
// Records are written as-is so attachments stay consistent on both sides.
func Migrate(src, dst Store, dryRun bool) (MigrateStats, error) {
	var stats MigrateStats
	logger := log.WithComponent("migrate")

	if err := requireEmpty(dst); err != nil {
		return stats, err
	}

	networks, err := src.ListNetworks()
	if err != nil {
		return stats, fmt.Errorf("failed to list networks: %w", err)
	}
	containers, err := src.ListContainers()
	if err != nil {
		return stats, fmt.Errorf("failed to list containers: %w", err)
	}
	quotas, err := src.ListQuotas()
	if err != nil {
		return stats, fmt.Errorf("failed to list quotas: %w", err)
	}

	if dryRun {
		return MigrateStats{Containers: len(containers), Networks: len(networks), Quotas: len(quotas)}, nil
	}

	for _, n := range networks {
		if err := dst.CreateNetwork(n); err != nil {
			return stats, fmt.Errorf("failed to copy network %s: %w", n.ID, err)
		}
		stats.Networks++
	}
	for _, c := range containers {
		if err := dst.PutContainer(c); err != nil {
			return stats, fmt.Errorf("failed to copy container %s: %w", c.ID, err)
		}
		stats.Containers++
		if stats.Containers%100 == 0 {
			logger.Info().Int("copied", stats.Containers).Int("total", len(containers)).Msg("Copying containers")
		}
	}
	for _, q := range quotas {
		if err := dst.PutQuota(q); err != nil {
			return stats, fmt.Errorf("failed to copy quota %s: %w", q.Owner, err)
		}
		stats.Quotas++
	}

	logger.Info().
		Int("containers", stats.Containers).
		Int("networks", stats.Networks).
		Int("quotas", stats.Quotas).
		Msg("Migration complete")
	return stats, nil
}

func requireEmpty(s Store) error {
	containers, err := s.ListContainers()
	if err != nil {
		return err
	}
	networks, err := s.ListNetworks()
	if err != nil {
		return err
	}
	quotas, err := s.ListQuotas()
	if err != nil {
		return err
	}
	if len(containers)+len(networks)+len(quotas) > 0 {
		return types.ConflictF("migrate", "destination store is not empty")
	}
	return nil
}
