package commands

import (
	"fmt"
	"os"
	"time"

	"bankauth-backend/lib/timezone"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var pruneWatch *time.Duration

func init() {
	pruneWatch = statesPruneCmd.Flags().Duration("watch", 0, "Keep pruning at this interval until interrupted.")
	statesCmd.AddCommand(statesListCmd, statesDeleteCmd, statesPruneCmd)
	rootCmd.AddCommand(statesCmd)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "Manages the saved authentication states.",
}

var statesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Prints the states that have not expired.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := app.store.List(cmd.Context())
		if err != nil {
			return err
		}

		t := newTable()
		t.AppendHeader(table.Row{"Site", "Login", "Operation", "Pending", "Expires", "Updated"})
		for _, e := range entries {
			pending := ""
			if e.Pending {
				pending = "yes"
			}
			t.AppendRow(table.Row{
				e.Site,
				e.Login,
				e.Operation,
				pending,
				timezone.Format(e.ExpiresAt, time.DateTime),
				timezone.Format(e.UpdatedAt, time.DateTime),
			})
		}
		t.Render()
		return nil
	},
}

var statesDeleteCmd = &cobra.Command{
	Use:   "delete <site> <login>",
	Short: "Forgets the state of an account, the next login starts from scratch.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.store.Delete(cmd.Context(), args[0], args[1])
	},
}

var statesPruneCmd = &cobra.Command{
	Use:   "prune [--watch <interval>]",
	Short: "Deletes the expired states.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if *pruneWatch > 0 {
			app.store.StartPruneDaemon(cmd.Context(), *pruneWatch)
			return nil
		}
		n, err := app.store.Prune(cmd.Context(), app.clock.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired states.\n", n)
		return nil
	},
}
