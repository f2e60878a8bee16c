package commands

import (
	"bankauth-backend/internal/sites"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sitesCmd)
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Prints the supported sites.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := newTable()
		t.AppendHeader(table.Row{"Site", "Base URL"})
		for _, name := range sites.Names() {
			t.AppendRow(table.Row{name, sites.BaseURL(name, app.config.Sites[name])})
		}
		t.Render()
		return nil
	},
}
