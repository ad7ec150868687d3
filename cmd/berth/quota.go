package main

import (
	"fmt"

	"github.com/cuemby/berth/pkg/config"
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and set owner quotas",
}

var quotaShowCmd = &cobra.Command{
	Use:   "show [OWNER]",
	Short: "Show usage against limits",
	Long: `Show an owner's committed usage and limits. Without OWNER the caller's
own profile is shown; --all lists every profile (admin only).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if all {
			profiles, err := c.ListQuotas(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(profiles))
			for _, p := range profiles {
				u, l := p.Usage, p.Limits
				rows = append(rows, []string{
					p.Owner,
					fmt.Sprintf("%d/%d", u.Containers, l.Containers),
					fmt.Sprintf("%d/%d", u.Ports, l.Ports),
					fmt.Sprintf("%d/%d", u.StorageGB, l.StorageGB),
					fmt.Sprintf("%.2f/%.2f", u.CPU, l.CPU),
					fmt.Sprintf("%d/%d", u.MemoryMB, l.MemoryMB),
				})
			}
			fmt.Println(Table([]string{"OWNER", "CONTAINERS", "PORTS", "STORAGE GB", "CPU", "MEMORY MB"}, rows))
			return nil
		}

		owner := ""
		if len(args) == 1 {
			owner = args[0]
		}
		p, err := c.GetQuota(cmd.Context(), owner)
		if err != nil {
			return err
		}
		fmt.Println(LabelStyle.Render("Owner:") + " " + p.Owner)
		fmt.Println(Table([]string{"DIMENSION", "USED", "LIMIT"}, formatQuota(p)))
		return nil
	},
}

var quotaSetCmd = &cobra.Command{
	Use:   "set OWNER",
	Short: "Replace an owner's limits (admin only)",
	Long: `Replace an owner's limits. Unset flags keep their current value.
Lowering a limit below current usage is allowed; new creates are then
rejected until usage drops.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		current, err := c.GetQuota(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		limits := current.Limits
		f := cmd.Flags()
		if f.Changed("containers") {
			limits.Containers, _ = f.GetInt("containers")
		}
		if f.Changed("ports") {
			limits.Ports, _ = f.GetInt("ports")
		}
		if f.Changed("storage-gb") {
			limits.StorageGB, _ = f.GetInt64("storage-gb")
		}
		if f.Changed("cpu") {
			limits.CPU, _ = f.GetFloat64("cpu")
		}
		if f.Changed("memory") {
			memory, _ := f.GetString("memory")
			if limits.MemoryMB, err = config.ParseMemoryMB(memory); err != nil {
				return err
			}
		}

		p, err := c.SetQuota(cmd.Context(), args[0], limits)
		if err != nil {
			return fmt.Errorf("failed to set quota: %w", err)
		}
		success("Quota updated for %s", p.Owner)
		fmt.Println(Table([]string{"DIMENSION", "USED", "LIMIT"}, formatQuota(p)))
		return nil
	},
}

func init() {
	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaSetCmd)

	quotaShowCmd.Flags().Bool("all", false, "List every owner's profile (admin only)")

	f := quotaSetCmd.Flags()
	f.Int("containers", 0, "Maximum containers")
	f.Int("ports", 0, "Maximum published host ports")
	f.Int64("storage-gb", 0, "Maximum storage in GB")
	f.Float64("cpu", 0, "Maximum CPU cores")
	f.String("memory", "", "Maximum memory, e.g. 8G")
}
