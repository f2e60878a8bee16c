package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"bankauth-backend/internal/components/chrono"
	itelemetry "bankauth-backend/internal/components/telemetry"
	"bankauth-backend/internal/notify"
	"bankauth-backend/internal/sca"
	"bankauth-backend/internal/sites"
	"bankauth-backend/internal/statestore"
	"bankauth-backend/lib/configutil"
	"bankauth-backend/lib/telemetry"

	"github.com/spf13/cobra"
)

const exitInteractionRequired = 2

type appContext struct {
	config    Config
	clock     chrono.API
	db        *sql.DB
	store     *statestore.Store
	telemetry telemetry.Telemetry
}

var (
	app        appContext
	configPath *string
	verbose    *bool
)

var rootCmd = &cobra.Command{
	Use:           "bankauth",
	Short:         "bankauth logs into bank websites and walks through their strong customer authentication.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.setup(cmd.Context())
	},
}

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "bankauth.json5", "The configuration file, searched upward from the working directory.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug information.")
}

func (a *appContext) setup(ctx context.Context) error {
	err := configutil.LoadEnv(".env", ".env.local")
	if err != nil {
		return err
	}

	config, err := configutil.ReadRecursively[Config](*configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config: %w", err)
	}
	err = configutil.Validate(config)
	if err != nil {
		return err
	}
	if *verbose {
		config.Log.Verbose = true
	}
	telemetry.InitSlog(config.Log)

	a.telemetry, err = telemetry.Setup(ctx, "bankauth", config.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	a.db, err = config.stateDB().OpenDB()
	if err != nil {
		return err
	}
	a.clock = chrono.StandardImpl{}
	a.store, err = statestore.Open(ctx, a.db, a.clock, config.Engine.options().PendingTTL)
	if err != nil {
		return err
	}
	a.config = config
	return nil
}

func (a *appContext) close(ctx context.Context) error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	errs = append(errs, a.telemetry.Shutdown(context.WithoutCancel(ctx)))
	a.telemetry = telemetry.Telemetry{}
	return errors.Join(errs...)
}

func (a *appContext) engine(site string) (*sca.Engine, error) {
	tel := itelemetry.SlogAPI{}
	adapter, err := sites.New(site, a.config.Sites[site], tel)
	if err != nil {
		return nil, err
	}
	return sca.NewEngine(adapter, a.clock, tel, a.config.Engine.options()), nil
}

func (a *appContext) notifier() notify.Notifier {
	return notify.New(a.config.Smtp)
}

// execute runs cmd, then closes a even when the command failed.
func execute(ctx context.Context, cmd *cobra.Command, a *appContext) error {
	err := cmd.ExecuteContext(ctx)
	closeErr := a.close(ctx)
	if closeErr != nil {
		slog.Warn("close", "err", closeErr)
	}
	return err
}

func ExecuteContext(ctx context.Context) {
	err := execute(ctx, rootCmd, &app)
	if errors.Is(err, errInteractionRequired) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInteractionRequired)
	}
	if err != nil {
		slog.Debug("command failed", "kind", sca.KindOf(err).String(), "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
