package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"walletsync/pkg/chain"
	"walletsync/pkg/config"
	"walletsync/pkg/logger"
	"walletsync/pkg/models"
	"walletsync/pkg/store"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
)

var errCheckFailed = errors.New("configuration check failed")

func newCheckCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config, open storage and probe every chain RPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			cfg, path, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				log = zap.NewNop()
			}
			defer log.Sync()

			report := buildReport(ctx, cfg, path, buildRegistry(cfg, log))
			out := cmd.OutOrStdout()
			if asJSON {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				renderCheck(out, report)
			}
			if !reportOK(report) {
				return errCheckFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output test results as JSON")

	return cmd
}

// buildReport never fails; every problem lands in the report.
func buildReport(ctx context.Context, cfg *config.Config, path string, reg *chain.Registry) models.TestReport {
	report := models.TestReport{
		ConfigPath:      path,
		StructureErrors: cfg.Problems(),
		MaxWallets:      cfg.MaxWallets,
		StorageDriver:   cfg.Storage.Driver,
	}
	report.ValidStructure = len(report.StructureErrors) == 0

	if backend, err := store.Open(ctx, cfg.Storage); err != nil {
		report.StorageError = err.Error()
	} else {
		records, err := backend.LoadSnapshot(ctx)
		if err != nil {
			report.StorageError = err.Error()
		}
		report.WalletCount = len(records)
		_ = backend.Close()
	}

	networks := reg.Networks()
	report.Chains = make([]models.ChainResult, len(networks))
	var g errgroup.Group
	for i, n := range networks {
		adapter, _ := reg.Get(n)
		g.Go(func() error {
			report.Chains[i] = probe(ctx, adapter, cfg.FetchTimeout())
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func probe(ctx context.Context, adapter chain.Adapter, timeout time.Duration) models.ChainResult {
	res := models.ChainResult{Network: adapter.Network()}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	id, err := adapter.Probe(ctx)
	res.Latency = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
		return res
	}
	res.Status = "ok"
	res.Identifier = id
	return res
}

func reportOK(r models.TestReport) bool {
	if !r.ValidStructure || r.StorageError != "" {
		return false
	}
	for _, c := range r.Chains {
		if c.Status != "ok" {
			return false
		}
	}
	return true
}

func renderCheck(w io.Writer, r models.TestReport) {
	fmt.Fprintf(w, "Testing configuration at: %s\n", r.ConfigPath)
	if r.ValidStructure {
		fmt.Fprint(w, pterm.Success.Sprintln("Config structure is valid"))
	}
	for _, msg := range r.StructureErrors {
		fmt.Fprint(w, pterm.Error.Sprintln(msg))
	}

	if r.StorageError != "" {
		fmt.Fprint(w, pterm.Error.Sprintfln("Storage (%s): %s", r.StorageDriver, r.StorageError))
	} else {
		fmt.Fprint(w, pterm.Success.Sprintfln("Storage (%s): %d/%d wallets", r.StorageDriver, r.WalletCount, r.MaxWallets))
	}

	for _, c := range r.Chains {
		if c.Status == "ok" {
			fmt.Fprint(w, pterm.Success.Sprintfln("%s: OK (%s) in %s", c.Network, c.Identifier, c.Latency))
			continue
		}
		fmt.Fprint(w, pterm.Error.Sprintfln("%s: %s", c.Network, c.Error))
	}
}
