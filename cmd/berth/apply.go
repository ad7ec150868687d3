package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/berth/pkg/client"
	"github.com/cuemby/berth/pkg/config"
	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Create the containers and networks described in a YAML manifest.
Resources that already exist by name are skipped. Networks are created
before containers, and a container's networks may be given by name.

Examples:
  # Apply a single container definition
  berth apply -f web.yaml

  # Apply several resources separated by ---
  berth apply -f stack.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	applyCmd.Flags().String("engine", "docker", "Engine for resources that do not name one")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	engineName, _ := cmd.Flags().GetString("engine")
	defaultEngine, err := types.ParseEngine(engineName)
	if err != nil {
		return err
	}

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	resources, err := config.ParseManifests(f)
	if err != nil {
		return err
	}

	c, err := connect(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	networkIDs := map[string]string{}
	existing, err := c.ListNetworks(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	for _, n := range existing {
		networkIDs[n.Name] = n.ID
	}

	for i := range resources {
		if resources[i].Kind != config.KindNetwork {
			continue
		}
		if err := applyNetwork(ctx, c, &resources[i], defaultEngine, networkIDs); err != nil {
			return err
		}
	}
	containers, err := c.ListContainers(ctx, "", "")
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	names := map[string]bool{}
	for _, r := range containers {
		names[string(r.Engine)+"/"+r.Name] = true
	}

	for i := range resources {
		switch resources[i].Kind {
		case config.KindNetwork:
		case config.KindContainer:
			if err := applyContainer(ctx, c, &resources[i], defaultEngine, networkIDs, names); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported resource kind: %s", resources[i].Kind)
		}
	}
	return nil
}

func applyNetwork(ctx context.Context, c *client.Client, res *config.Resource, engine types.Engine, ids map[string]string) error {
	spec, err := res.NetworkSpec(engine)
	if err != nil {
		return err
	}
	if _, ok := ids[spec.Name]; ok {
		fmt.Printf("Network already exists: %s (skipping)\n", spec.Name)
		return nil
	}

	fmt.Printf("Creating network: %s\n", spec.Name)
	n, err := c.CreateNetwork(ctx, *spec)
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", spec.Name, err)
	}
	ids[n.Name] = n.ID
	success("Network created: %s (ID: %s)", n.Name, n.ID)
	return nil
}

func applyContainer(ctx context.Context, c *client.Client, res *config.Resource, engine types.Engine, networkIDs map[string]string, names map[string]bool) error {
	spec, err := res.ContainerSpec(engine)
	if err != nil {
		return err
	}
	if names[string(spec.Engine)+"/"+spec.Name] {
		fmt.Printf("Container already exists: %s (skipping)\n", spec.Name)
		return nil
	}
	for i, ref := range spec.Networks {
		if id, ok := networkIDs[ref]; ok {
			spec.Networks[i] = id
		}
	}

	fmt.Printf("Creating container: %s\n", spec.Name)
	rec, warnings, err := c.CreateContainer(ctx, *spec)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	success("Container created: %s (ID: %s)", rec.Name, rec.ID)
	printWarnings(warnings)
	return nil
}
