// Package cli wires the walletsync components behind a cobra command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"walletsync/pkg/server"
	"walletsync/pkg/tui"
	"walletsync/pkg/watcher"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	logLevel   string
)

// Execute runs the command tree against os.Args.
func Execute(version string) error {
	return NewRootCmd(version).Execute()
}

func NewRootCmd(version string) *cobra.Command {
	var noServer bool

	cmd := &cobra.Command{
		Use:   "walletsync",
		Short: "Track multi-chain wallet balances",
		Long: `walletsync keeps an encrypted list of wallets on Ethereum, Solana and Sui,
refreshes their balances on a schedule and values them in USD.

Without a subcommand it opens the terminal dashboard and serves the HTTP API
in the background.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboard(version, !noServer)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default ~/.walletsync.json)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the HTTP API alongside the dashboard")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAddCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newRenameCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newVersionCmd(version))

	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// staleAfter marks a wallet stale once it has missed two scheduled refreshes.
func staleAfter(interval time.Duration) time.Duration {
	return 2 * interval
}

func runDashboard(version string, withServer bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := buildApp(ctx, appOptions{logToFile: true})
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := watcher.NewScheduler(a.core, a.bus, a.log)
	if err := scheduler.Start(ctx, a.cfg.RefreshInterval()); err != nil {
		return err
	}
	defer scheduler.Stop()

	serverDone := make(chan struct{})
	if withServer {
		srv := server.New(a.core, scheduler, a.cfg.Server, a.log)
		go func() {
			defer close(serverDone)
			if err := srv.Start(ctx); err != nil {
				a.log.Error("api server stopped", zap.Error(err))
			}
		}()
	} else {
		close(serverDone)
	}

	err = tui.Start(a.core, staleAfter(a.cfg.RefreshInterval()), version)
	cancel()
	<-serverDone
	return err
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API without the dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler := watcher.NewScheduler(a.core, a.bus, a.log)
			if err := scheduler.Start(ctx, a.cfg.RefreshInterval()); err != nil {
				return err
			}
			defer scheduler.Stop()

			a.log.Info("walletsync headless mode",
				zap.Int("port", a.cfg.Server.Port),
				zap.Int("wallets", a.store.Len()),
				zap.Duration("refresh_interval", a.cfg.RefreshInterval()),
			)
			return server.New(a.core, scheduler, a.cfg.Server, a.log).Start(ctx)
		},
	}
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "walletsync version %s\n", version)
		},
	}
}
