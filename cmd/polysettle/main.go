// Command polysettle runs the settlement service.
//
//	polysettle [-config path]          run in the configured mode
//	polysettle seal-key -out path      seal an operator key for the keeper
//
// seal-key reads the private key and password from POLYSETTLE_SEAL_KEY and
// POLYSETTLE_SEAL_PASSWORD so neither lands in shell history.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/polysettle/internal/app"
	"github.com/alanyoungcy/polysettle/internal/config"
	"github.com/alanyoungcy/polysettle/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "seal-key" {
		if err := sealKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "seal-key: %v\n", err)
			os.Exit(1)
		}
		return
	}
	os.Exit(serve(os.Args[1:]))
}

func serve(args []string) int {
	fs := flag.NewFlagSet("polysettle", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "path to configuration file")
	_ = fs.Parse(args)

	logger := newLogger("info")
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		return 1
	}
	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("polysettle starting", slog.String("mode", cfg.Mode), slog.String("config", *configPath))
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return 1
	}
	logger.Info("polysettle stopped")
	return 0
}

func sealKey(args []string) error {
	fs := flag.NewFlagSet("seal-key", flag.ContinueOnError)
	out := fs.String("out", "operator.json", "where to write the sealed key")
	if err := fs.Parse(args); err != nil {
		return err
	}

	key, password := os.Getenv("POLYSETTLE_SEAL_KEY"), os.Getenv("POLYSETTLE_SEAL_PASSWORD")
	if key == "" || password == "" {
		return errors.New("POLYSETTLE_SEAL_KEY and POLYSETTLE_SEAL_PASSWORD must both be set")
	}
	sealed, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		return err
	}
	signer, err := crypto.NewSigner(key)
	if err != nil {
		return err
	}
	fmt.Printf("sealed key for %s written to %s\n", signer.Address().Hex(), *out)
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
