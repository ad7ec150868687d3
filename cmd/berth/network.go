package main

import (
	"fmt"

	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/cobra"
)

var networkCmd = &cobra.Command{
	Use:     "network",
	Aliases: []string{"net"},
	Short:   "Manage networks",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a network",
	Long: `Create a network on an engine. Without --subnet the next free subnet
of the configured base range is allocated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := cmd.Flags().GetString("engine")
		driverName, _ := cmd.Flags().GetString("driver")
		subnet, _ := cmd.Flags().GetString("subnet")
		gateway, _ := cmd.Flags().GetString("gateway")

		spec := types.NetworkSpec{Name: args[0], Driver: driverName, Subnet: subnet, Gateway: gateway}
		if engine != "" {
			e, err := types.ParseEngine(engine)
			if err != nil {
				return err
			}
			spec.Engine = e
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.CreateNetwork(cmd.Context(), spec)
		if err != nil {
			return fmt.Errorf("failed to create network: %w", err)
		}
		success("Network created: %s (ID: %s, subnet %s)", n.Name, n.ID, n.Subnet)
		return nil
	},
}

var networkListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, _ := cmd.Flags().GetString("engine")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		nets, err := c.ListNetworks(cmd.Context(), types.Engine(engine))
		if err != nil {
			return fmt.Errorf("failed to list networks: %w", err)
		}
		if len(nets) == 0 {
			fmt.Println(MutedStyle.Render("No networks"))
			return nil
		}
		rows := make([][]string, 0, len(nets))
		for _, n := range nets {
			rows = append(rows, []string{shortID(n.ID), n.Name, n.Owner, string(n.Engine), n.Driver, n.Subnet, fmt.Sprint(len(n.Attached)), age(n.CreatedAt)})
		}
		fmt.Println(Table([]string{"ID", "NAME", "OWNER", "ENGINE", "DRIVER", "SUBNET", "CONTAINERS", "AGE"}, rows))
		return nil
	},
}

var networkRemoveCmd = &cobra.Command{
	Use:     "rm ID",
	Aliases: []string{"remove"},
	Short:   "Remove a network with no attached containers",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RemoveNetwork(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to remove network: %w", err)
		}
		success("Network removed: %s", args[0])
		return nil
	},
}

var networkAttachCmd = &cobra.Command{
	Use:   "attach NETWORK CONTAINER",
	Short: "Connect a container to a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.AttachNetwork(cmd.Context(), args[1], args[0]); err != nil {
			return fmt.Errorf("failed to attach: %w", err)
		}
		success("Attached %s to %s", args[1], args[0])
		return nil
	},
}

var networkDetachCmd = &cobra.Command{
	Use:   "detach NETWORK CONTAINER",
	Short: "Disconnect a container from a network",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DetachNetwork(cmd.Context(), args[1], args[0]); err != nil {
			return fmt.Errorf("failed to detach: %w", err)
		}
		success("Detached %s from %s", args[1], args[0])
		return nil
	},
}

func init() {
	networkCmd.AddCommand(networkCreateCmd)
	networkCmd.AddCommand(networkListCmd)
	networkCmd.AddCommand(networkRemoveCmd)
	networkCmd.AddCommand(networkAttachCmd)
	networkCmd.AddCommand(networkDetachCmd)

	networkCreateCmd.Flags().String("engine", "", "Engine to create on; server default if empty")
	networkCreateCmd.Flags().String("driver", "", "Network driver (bridge by default)")
	networkCreateCmd.Flags().String("subnet", "", "Subnet in CIDR notation; allocated if empty")
	networkCreateCmd.Flags().String("gateway", "", "Gateway address; first host of the subnet if empty")
	networkListCmd.Flags().String("engine", "", "Only list networks on this engine")
}
