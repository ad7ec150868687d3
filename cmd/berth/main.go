package main

import (
	"fmt"
	"os"

	"github.com/cuemby/berth/pkg/client"
	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "berth",
	Short: "Berth - container control plane for Docker, Podman and LXC",
	Long: `Berth drives containers on Docker, Podman and LXC through one
interface while enforcing per-owner quotas on containers, ports,
storage, CPU and memory.

Run 'berth serve' on the engine host, then manage containers with the
other commands.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Berth version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api", envOr("BERTH_API", "127.0.0.1:7420"), "Berth API address")
	rootCmd.PersistentFlags().String("owner", envOr("BERTH_OWNER", os.Getenv("USER")), "Owner to act as")
	rootCmd.PersistentFlags().Bool("admin", os.Getenv("BERTH_ADMIN") == "true", "Act with admin rights")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(containerCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(enginesCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(migrateCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connect opens an API client using the persistent flags
func connect(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("api")
	owner, _ := cmd.Flags().GetString("owner")
	admin, _ := cmd.Flags().GetBool("admin")

	c, err := client.NewClient(addr, types.Caller{Owner: owner, Admin: admin})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to berth: %w", err)
	}
	return c, nil
}
