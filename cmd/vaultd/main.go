package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
)

func main() {
	cfg := parseFlags()

	logLevel := slog.LevelInfo
	if cfg.debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.NewLogger(logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("vaultd error", "error", err)
		os.Exit(1)
	}
}

type daemonConfig struct {
	dataPath   string
	configPath string
	debug      bool
}

func parseFlags() daemonConfig {
	cfg := daemonConfig{}

	flag.StringVar(&cfg.dataPath, "data", "./data",
		"Path to data directory")
	flag.StringVar(&cfg.configPath, "config", "",
		"Path to YAML config file (overrides -data)")
	flag.BoolVar(&cfg.debug, "debug", false,
		"Enable debug logging")

	flag.Parse()
	return cfg
}

func run(ctx context.Context, cfg daemonConfig, logger *slog.Logger) error {
	conf := vault.Config{
		Paths:  []string{cfg.dataPath},
		Logger: logger,
	}
	if cfg.configPath != "" {
		loaded, err := vault.LoadConfig(cfg.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		loaded.Logger = logger
		conf = loaded
	}

	v, err := vault.New(conf)
	if err != nil {
		return fmt.Errorf("create vault: %w", err)
	}

	logger.Info("starting vaultd", "dataPath", conf.Paths[0])
	return v.Run(ctx)
}
