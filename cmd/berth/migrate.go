package main

import (
	"fmt"
	"os"

	"github.com/cuemby/berth/pkg/config"
	"github.com/cuemby/berth/pkg/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy state between store drivers",
	Long: `Copy every container, network and quota record from one store driver
to another in the same data directory. Stop 'berth serve' first. The
destination must be empty; the source is left untouched.

Examples:
  # See what would be copied
  berth migrate --from bolt --to sqlite --dry-run

  # Move to sqlite, then set store.driver: sqlite
  berth migrate --from bolt --to sqlite`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if from == to {
			return fmt.Errorf("--from and --to must differ")
		}
		if _, err := os.Stat(dataDir); err != nil {
			return fmt.Errorf("data directory %s: %w", dataDir, err)
		}

		src, err := storage.Open(from, dataDir)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", from, err)
		}
		defer src.Close()
		dst, err := storage.Open(to, dataDir)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", to, err)
		}
		defer dst.Close()

		stats, err := storage.Migrate(src, dst, dryRun)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if dryRun {
			fmt.Printf("Would copy %d containers, %d networks and %d quota profiles from %s to %s\n",
				stats.Containers, stats.Networks, stats.Quotas, from, to)
			fmt.Println(MutedStyle.Render("Dry run completed. No changes made."))
			return nil
		}
		success("Copied %d containers, %d networks and %d quota profiles", stats.Containers, stats.Networks, stats.Quotas)
		fmt.Printf("Set store.driver: %s (or BERTH_STORE_DRIVER=%s) before restarting.\n", to, to)
		return nil
	},
}

func init() {
	migrateCmd.Flags().String("data-dir", config.DefaultDataDir(), "Berth data directory")
	migrateCmd.Flags().String("from", "bolt", "Source store driver")
	migrateCmd.Flags().String("to", "sqlite", "Destination store driver")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be copied without writing")
}
