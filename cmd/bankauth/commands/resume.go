package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	resumeLogin *string
	resumeCode  *string
	resumeApp   *bool
)

func init() {
	resumeLogin = resumeCmd.Flags().String("login", "", "The account login the challenge was saved for.")
	resumeCode = resumeCmd.Flags().String("code", "", "The code received by sms, email or read on the keypad.")
	resumeApp = resumeCmd.Flags().Bool("app", false, "Wait for the validation in the banking app.")
	resumeCmd.MarkFlagRequired("login")
	resumeCmd.MarkFlagsMutuallyExclusive("code", "app")
	resumeCmd.MarkFlagsOneRequired("code", "app")
	rootCmd.AddCommand(resumeCmd)
}

var resumeCmd = &cobra.Command{
	Use:   "resume <site> --login <login> (--code <code> | --app)",
	Short: "Continues a challenge saved by a batch login.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := app.engine(args[0])
		if err != nil {
			return err
		}
		f := &flow{
			engine:   engine,
			store:    app.store,
			notifier: app.notifier(),
			out:      cmd.OutOrStdout(),
		}
		if *resumeApp {
			return f.resumeApp(cmd.Context(), *resumeLogin)
		}
		if *resumeCode == "" {
			return fmt.Errorf("the code is empty")
		}
		return f.resumeCode(cmd.Context(), *resumeLogin, *resumeCode)
	},
}
