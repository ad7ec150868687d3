package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/berth/pkg/api"
	"github.com/cuemby/berth/pkg/config"
	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/cobra"
)

var containerCmd = &cobra.Command{
	Use:     "container",
	Aliases: []string{"c"},
	Short:   "Manage containers",
}

var containerCreateCmd = &cobra.Command{
	Use:   "create NAME --image IMAGE [-- COMMAND...]",
	Short: "Create a container",
	Long: `Create a container on an engine. Quota is reserved before the engine
is called; a create that would exceed any limit is rejected up front.

Examples:
  berth container create web --image nginx:1.27 -p 8080:80 --start
  berth container create db --image postgres:16 --engine podman --memory 1G -e POSTGRES_PASSWORD=secret
  berth container create box --image ubuntu:24.04 --engine lxc --cpu 2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := specFromFlags(cmd, args)
		if err != nil {
			return err
		}

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		rec, warnings, err := c.CreateContainer(cmd.Context(), *spec)
		if err != nil {
			return fmt.Errorf("failed to create container: %w", err)
		}
		success("Container created: %s (ID: %s)", rec.Name, rec.ID)
		printWarnings(warnings)
		return nil
	},
}

func specFromFlags(cmd *cobra.Command, args []string) (*types.ContainerSpec, error) {
	f := cmd.Flags()
	image, _ := f.GetString("image")
	engineName, _ := f.GetString("engine")
	ports, _ := f.GetStringArray("publish")
	envs, _ := f.GetStringArray("env")
	labels, _ := f.GetStringArray("label")
	volumes, _ := f.GetStringArray("volume")
	networks, _ := f.GetStringArray("network")
	cpu, _ := f.GetFloat64("cpu")
	memory, _ := f.GetString("memory")
	storageGB, _ := f.GetInt64("storage-gb")
	workdir, _ := f.GetString("workdir")
	user, _ := f.GetString("user")
	privileged, _ := f.GetBool("privileged")
	restart, _ := f.GetString("restart")
	start, _ := f.GetBool("start")
	owner, _ := f.GetString("for")

	spec := &types.ContainerSpec{
		Name:          args[0],
		Image:         image,
		Owner:         owner,
		Command:       args[1:],
		WorkingDir:    workdir,
		User:          user,
		Privileged:    privileged,
		RestartPolicy: restart,
		Networks:      networks,
		Start:         start,
	}
	if engineName != "" {
		e, err := types.ParseEngine(engineName)
		if err != nil {
			return nil, err
		}
		spec.Engine = e
	}
	for _, p := range ports {
		pm, err := parsePort(p)
		if err != nil {
			return nil, err
		}
		spec.Ports = append(spec.Ports, pm)
	}
	for _, v := range volumes {
		vm, err := parseVolume(v)
		if err != nil {
			return nil, err
		}
		spec.Volumes = append(spec.Volumes, vm)
	}
	var err error
	if spec.Env, err = parseKeyValues("env", envs); err != nil {
		return nil, err
	}
	if spec.Labels, err = parseKeyValues("label", labels); err != nil {
		return nil, err
	}
	memoryMB, err := config.ParseMemoryMB(memory)
	if err != nil {
		return nil, err
	}
	spec.Resources = types.ResourceLimits{CPU: cpu, MemoryMB: memoryMB, StorageGB: storageGB}
	return spec, nil
}

var containerListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("for")
		engine, _ := cmd.Flags().GetString("engine")

		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		recs, err := c.ListContainers(cmd.Context(), owner, types.Engine(engine))
		if err != nil {
			return fmt.Errorf("failed to list containers: %w", err)
		}
		if len(recs) == 0 {
			fmt.Println(MutedStyle.Render("No containers"))
			return nil
		}
		fmt.Println(Table([]string{"ID", "NAME", "OWNER", "ENGINE", "IMAGE", "STATE", "PORTS", "AGE"}, containerRows(recs)))
		return nil
	},
}

var containerInspectCmd = &cobra.Command{
	Use:   "inspect ID",
	Short: "Show a container record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		r, err := c.GetContainer(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fields := [][2]string{
			{"ID", r.ID},
			{"Name", r.Name},
			{"Owner", r.Owner},
			{"Engine", string(r.Engine)},
			{"Image", r.Image},
			{"Phase", string(r.Phase)},
			{"Desired", string(r.DesiredState)},
			{"Observed", string(r.ObservedState)},
			{"Ports", formatPorts(r.Ports)},
			{"Networks", fmt.Sprint(r.Networks)},
			{"Created", r.CreatedAt.Format("2006-01-02 15:04:05")},
		}
		if r.Error != "" {
			fields = append(fields, [2]string{"Error", ErrorStyle.Render(r.Error)})
		}
		for _, kv := range fields {
			fmt.Printf("%s %s\n", LabelStyle.Render(fmt.Sprintf("%-9s", kv[0]+":")), kv[1])
		}
		return nil
	},
}

func runEach(verb string, fn func(ctx context.Context, id string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var failed int
		for _, id := range args {
			if err := fn(cmd.Context(), id); err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ErrorStyle.Render("✗"), id, err)
				failed++
				continue
			}
			success("%s %s", verb, id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d containers failed", failed, len(args))
		}
		return nil
	}
}

var containerStartCmd = &cobra.Command{
	Use:   "start ID...",
	Short: "Start containers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return runEach("Started", c.StartContainer)(cmd, args)
	},
}

var containerStopCmd = &cobra.Command{
	Use:   "stop ID...",
	Short: "Stop containers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return runEach("Stopped", func(ctx context.Context, id string) error {
			return c.StopContainer(ctx, id, timeout)
		})(cmd, args)
	},
}

var containerRestartCmd = &cobra.Command{
	Use:   "restart ID...",
	Short: "Restart containers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()
		return runEach("Restarted", func(ctx context.Context, id string) error {
			return c.RestartContainer(ctx, id, timeout)
		})(cmd, args)
	},
}

var containerRemoveCmd = &cobra.Command{
	Use:     "rm ID...",
	Aliases: []string{"remove"},
	Short:   "Remove containers and return their quota",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		results, err := c.Batch(cmd.Context(), api.BatchRequest{Action: api.BatchRemove, IDs: args, Force: force})
		if err != nil {
			return err
		}
		var failed int
		for _, r := range results {
			if r.Error != "" {
				fmt.Fprintf(os.Stderr, "%s %s: %s\n", ErrorStyle.Render("✗"), r.ID, r.Error)
				failed++
				continue
			}
			success("Removed %s", r.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d containers failed", failed, len(args))
		}
		return nil
	},
}

var containerLogsCmd = &cobra.Command{
	Use:   "logs ID",
	Short: "Print container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		out, err := c.Logs(cmd.Context(), args[0], tail)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var containerExecCmd = &cobra.Command{
	Use:   "exec ID -- COMMAND...",
	Short: "Run a command in a container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		out, err := c.Exec(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func init() {
	containerCmd.AddCommand(containerCreateCmd)
	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerInspectCmd)
	containerCmd.AddCommand(containerStartCmd)
	containerCmd.AddCommand(containerStopCmd)
	containerCmd.AddCommand(containerRestartCmd)
	containerCmd.AddCommand(containerRemoveCmd)
	containerCmd.AddCommand(containerLogsCmd)
	containerCmd.AddCommand(containerExecCmd)

	f := containerCreateCmd.Flags()
	f.String("image", "", "Container image (required)")
	f.String("engine", "", "Engine to create on (docker, podman, lxc); server default if empty")
	f.StringArrayP("publish", "p", nil, "Publish a port HOST:CONTAINER[/PROTO]")
	f.StringArrayP("env", "e", nil, "Set an environment variable KEY=VALUE")
	f.StringArrayP("volume", "v", nil, "Mount SOURCE:TARGET[:ro]")
	f.StringArray("label", nil, "Set a label KEY=VALUE")
	f.StringArray("network", nil, "Attach to a network by ID")
	f.Float64("cpu", 0, "CPU cores")
	f.String("memory", "", "Memory limit, e.g. 512M or 2G")
	f.Int64("storage-gb", 0, "Root filesystem size in GB")
	f.String("workdir", "", "Working directory")
	f.String("user", "", "User to run as")
	f.Bool("privileged", false, "Run privileged")
	f.String("restart", "", "Restart policy (no, always, on-failure, unless-stopped)")
	f.Bool("start", false, "Start the container after creating it")
	f.String("for", "", "Create on behalf of another owner (admin only)")
	_ = containerCreateCmd.MarkFlagRequired("image")

	containerListCmd.Flags().String("for", "", "Only list this owner's containers (admin only for others)")
	containerListCmd.Flags().String("engine", "", "Only list containers on this engine")

	containerStopCmd.Flags().Duration("timeout", 0, "Grace period before the engine kills the container")
	containerRestartCmd.Flags().Duration("timeout", 0, "Grace period before the engine kills the container")
	containerRemoveCmd.Flags().BoolP("force", "f", false, "Remove running containers")
	containerLogsCmd.Flags().Int("tail", 100, "Number of lines from the end of the log")
}
