package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"walletsync/pkg/chain"
	"walletsync/pkg/cipher"
	"walletsync/pkg/config"
	"walletsync/pkg/core"
	"walletsync/pkg/logger"
	"walletsync/pkg/models"
	"walletsync/pkg/price"
	"walletsync/pkg/store"
	"walletsync/pkg/watcher"

	"go.uber.org/zap"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
	bus   *watcher.Bus
	core  *core.Core
}

type appOptions struct {
	// logToFile sends logs to a file so they do not draw over the dashboard.
	logToFile bool
}

func loadConfig(path string) (*config.Config, string, error) {
	cfgPath, err := config.GetConfigPath(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to determine config path: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config from %s: %w", cfgPath, err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfgPath, nil
}

func buildApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logCfg := cfg.Log
	if opts.logToFile && logCfg.File == "" {
		logCfg.File = filepath.Join(filepath.Dir(cfg.Storage.Path), "walletsync.log")
	}
	if logCfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(logCfg.File), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, err
	}

	key, err := cfg.MasterKey()
	if err != nil {
		return nil, err
	}
	c, err := cipher.New(key)
	if err != nil {
		return nil, err
	}

	backend, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Driver, err)
	}
	st := store.New(backend, log)
	if err := st.Load(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := watcher.NewBus()
	opt := core.Options{
		MaxWallets:        cfg.MaxWallets,
		SupportedNetworks: cfg.Networks(),
		FetchTimeout:      cfg.FetchTimeout(),
		PriceTimeout:      cfg.PriceTimeout(),
		Concurrency:       cfg.RefreshConcurrency,
	}
	svc := core.New(st, c, c, buildRegistry(cfg, log), price.NewCoinGecko(cfg.Price, log), opt, bus, log)

	return &app{
		cfg:   cfg,
		log:   log,
		store: st,
		bus:   bus,
		core:  svc,
	}, nil
}

// buildRegistry creates one adapter per supported network.
func buildRegistry(cfg *config.Config, log *zap.Logger) *chain.Registry {
	reg := chain.NewRegistry()
	for _, n := range cfg.Networks() {
		switch n {
		case models.NetworkEthereum:
			reg.Register(chain.NewEthereum(cfg.Chains.Ethereum, log))
		case models.NetworkSolana:
			reg.Register(chain.NewSolana(cfg.Chains.Solana, log))
		case models.NetworkSui:
			reg.Register(chain.NewSui(cfg.Chains.Sui, log))
		}
	}
	return reg
}

func (a *app) Close() error {
	err := a.store.Close()
	// Sync returns EINVAL for stderr on linux.
	_ = a.log.Sync()
	return err
}
