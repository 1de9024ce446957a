package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"walletsync/pkg/cipher"
	"walletsync/pkg/config"
	"walletsync/pkg/models"
	"walletsync/pkg/store"
	"walletsync/pkg/utils"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "add <address> <network>",
		Short: "Start tracking a wallet",
		Long: `Start tracking a wallet address on one of the supported networks.

The first balance fetch runs immediately. If it fails the wallet is still
tracked and the next refresh will try again.

Example:
  walletsync add 0x742d35Cc6634C0532925a3b844Bc454e4438f44e ethereum --name treasury
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			rec, err := a.core.AddWallet(ctx, args[0], models.Network(args[1]))
			if rec.ID == "" {
				return err
			}
			fetchErr := err
			if name != "" {
				if err := a.core.RenameWallet(ctx, rec.ID, name); err != nil {
					return err
				}
				rec.DisplayName = name
			}

			fmt.Fprint(out, pterm.Success.Sprintfln("Tracking %s on %s (id %s)", rec.Label(), rec.Network, rec.ID))
			if fetchErr != nil {
				fmt.Fprint(out, pterm.Warning.Sprintfln("First balance fetch failed: %v", fetchErr))
				return nil
			}
			fmt.Fprintf(out, "Value: %s across %d tokens\n", utils.FormatUSD(rec.TotalValueUSD), len(rec.Tokens))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Display name for the wallet")

	return cmd
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <address|id>",
		Aliases: []string{"rm"},
		Short:   "Stop tracking a wallet",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.core.RemoveWallet(ctx, args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprint(cmd.OutOrStdout(), pterm.Info.Sprintfln("%s was not tracked", args[0]))
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("Removed %s", args[0]))
			return nil
		},
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <address|id> <name>",
		Short: "Set the display name of a wallet",
		Long:  "Set the display name of a wallet. An empty name clears it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.core.RenameWallet(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("Renamed %s to %q", args[0], args[1]))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tracked wallets with their last known balances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			wallets := a.core.ListWallets()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), wallets)
			}
			return renderWallets(cmd.OutOrStdout(), wallets, a.core.MaxWallets(), time.Now())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func renderWallets(w io.Writer, wallets []models.WalletRecord, limit int, now time.Time) error {
	if len(wallets) == 0 {
		fmt.Fprintln(w, "No wallets tracked. Use 'walletsync add <address> <network>'.")
		return nil
	}

	data := pterm.TableData{{"ID", "Name", "Network", "Value", "Tokens", "Updated"}}
	var total float64
	for _, rec := range wallets {
		total += rec.TotalValueUSD
		data = append(data, []string{
			utils.ShortID(rec.ID),
			utils.TruncateString(rec.DisplayName, 24),
			string(rec.Network),
			utils.FormatUSD(rec.TotalValueUSD),
			strconv.Itoa(len(rec.Tokens)),
			utils.FormatAge(rec.LastUpdated, now),
		})
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, table)
	fmt.Fprintf(w, "\n%d/%d wallets, portfolio %s\n", len(wallets), limit, utils.FormatUSD(total))
	return nil
}

func newRefreshCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "refresh [address|id]",
		Short: "Refresh one wallet, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := buildApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := a.core.RefreshOne(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, rec)
				}
				fmt.Fprint(out, pterm.Success.Sprintfln("%s: %s", rec.Label(), utils.FormatUSD(rec.TotalValueUSD)))
				return nil
			}

			report := a.core.RefreshAll(ctx)
			if asJSON {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				renderReport(out, report)
			}
			return report.Err()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func renderReport(w io.Writer, report models.RefreshReport) {
	elapsed := report.Finished.Sub(report.Started).Round(time.Millisecond)
	msg := fmt.Sprintf("Refreshed %d of %d wallets in %s", report.Refreshed, report.Attempted, elapsed)
	if len(report.Failures) == 0 {
		fmt.Fprint(w, pterm.Success.Sprintln(msg))
		return
	}
	fmt.Fprint(w, pterm.Warning.Sprintln(msg))
	for _, f := range report.Failures {
		fmt.Fprintf(w, "  %s (%s): %s\n", utils.ShortID(f.WalletID), f.Network, f.Message)
	}
}

func newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Restore the wallet file from its newest backup",
		Long: `Restore the wallet file from its newest backup.

Only the file storage driver keeps backups. Stop any running walletsync
process first, it would overwrite the restored file on its next save.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "file" && cfg.Storage.Driver != "" {
				return fmt.Errorf("restore needs the file storage driver, config uses %q", cfg.Storage.Driver)
			}
			backup, err := store.RestoreLastBackup(cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to restore %s: %w", cfg.Storage.Path, err)
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("Restored %s from %s", cfg.Storage.Path, backup))
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config with a fresh master key",
		Long: `Write a starter config with a fresh master key.

The key encrypts every stored address. Losing it makes the wallet store
unreadable, keep a copy somewhere safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.GetConfigPath(configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Cipher.MasterKey == "" && cfg.Cipher.Passphrase == "" {
				key, err := cipher.GenerateMasterKey()
				if err != nil {
					return err
				}
				cfg.Cipher.MasterKey = key
			}
			if err := config.Save(cfg, path); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Fprint(cmd.OutOrStdout(), pterm.Success.Sprintfln("Wrote %s", path))
			return nil
		},
	}
}
