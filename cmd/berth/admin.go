package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass now (admin only)",
	Long: `Run one reconciliation pass over every engine and print what changed:
containers adopted from the engine, records whose container vanished,
observed states synced, pending removals finished and networks pruned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		results, err := c.Reconcile(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			status := SuccessStyle.Render("ok")
			if r.Err != nil {
				status = ErrorStyle.Render(r.Err.Error())
			}
			rows = append(rows, []string{
				string(r.Engine),
				fmt.Sprint(r.Adopted),
				fmt.Sprint(r.Vanished),
				fmt.Sprint(r.Purged),
				fmt.Sprint(r.Synced),
				fmt.Sprint(r.Removed),
				fmt.Sprint(r.NetworksPruned),
				status,
			})
		}
		fmt.Println(Table([]string{"ENGINE", "ADOPTED", "VANISHED", "PURGED", "SYNCED", "REMOVED", "NETS PRUNED", "STATUS"}, rows))
		return nil
	},
}

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List configured engines and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		engines, err := c.ListEngines(cmd.Context())
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(engines))
		for _, e := range engines {
			name := string(e.Engine)
			if e.Default {
				name += MutedStyle.Render(" (default)")
			}
			status := SuccessStyle.Render("up")
			if !e.Healthy {
				status = ErrorStyle.Render("down: " + e.Error)
			}
			rows = append(rows, []string{name, status})
		}
		fmt.Println(Table([]string{"ENGINE", "STATUS"}, rows))
		return nil
	},
}
