package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"bankauth-backend/internal/sca"

	"github.com/spf13/cobra"
)

var (
	loginBatch *bool
	loginName  *string
)

func init() {
	loginBatch = loginCmd.Flags().Bool("batch", false, "Never prompt: save a pending challenge, notify it and exit with code 2.")
	loginName = loginCmd.Flags().String("login", "", "The account login, defaults to $BANKAUTH_LOGIN.")
	rootCmd.AddCommand(loginCmd)
}

// linePrompter reads answers line by line, labels go to w.
func linePrompter(r io.Reader, w io.Writer) func(label string) (string, error) {
	reader := bufio.NewReader(r)
	return func(label string) (string, error) {
		fmt.Fprintf(w, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
		}
		return strings.TrimSpace(line), nil
	}
}

func credentials(prompt func(string) (string, error)) (sca.Credentials, error) {
	creds := sca.Credentials{
		Login:    os.Getenv("BANKAUTH_LOGIN"),
		Password: os.Getenv("BANKAUTH_PASSWORD"),
		PIN:      os.Getenv("BANKAUTH_PIN"),
	}
	if *loginName != "" {
		creds.Login = *loginName
	}

	var err error
	if creds.Login == "" && prompt != nil {
		creds.Login, err = prompt("Login")
		if err != nil {
			return sca.Credentials{}, err
		}
	}
	if creds.Password == "" && prompt != nil {
		creds.Password, err = prompt("Password")
		if err != nil {
			return sca.Credentials{}, err
		}
	}
	if creds.Login == "" || creds.Password == "" {
		return sca.Credentials{}, fmt.Errorf("a login and a password are required, set BANKAUTH_LOGIN and BANKAUTH_PASSWORD")
	}
	return creds, nil
}

var loginCmd = &cobra.Command{
	Use:   "login <site> [--batch] [--login <login>]",
	Short: "Logs into a site, answering its challenges interactively unless --batch is given.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := app.engine(args[0])
		if err != nil {
			return err
		}

		var prompt func(string) (string, error)
		if !*loginBatch {
			prompt = linePrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
		}
		creds, err := credentials(prompt)
		if err != nil {
			return err
		}

		f := &flow{
			engine:   engine,
			store:    app.store,
			notifier: app.notifier(),
			prompt:   prompt,
			out:      cmd.OutOrStdout(),
		}
		return f.login(cmd.Context(), creds)
	},
}
