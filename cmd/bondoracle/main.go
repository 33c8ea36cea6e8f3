// Command bondoracle runs the bond settlement oracle. It loads configuration,
// validates it, wires dependencies, sets up signal handling, and starts the
// application in the configured mode.
//
// "bondoracle encrypt-key" writes a password-protected key file for the
// ethereum ledger backend instead of starting the service.
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

	"github.com/alanyoungcy/bondoracle/internal/app"
	"github.com/alanyoungcy/bondoracle/internal/config"
	"github.com/alanyoungcy/bondoracle/internal/crypto"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "encrypt-key" {
		if err := encryptKey(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to configuration file (defaults when empty)")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("bond oracle starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("bond oracle stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptKey reads a hex private key from ORACLE_LEDGER_PRIVATE_KEY and
// writes it encrypted with ORACLE_LEDGER_KEY_PASSWORD to -out.
func encryptKey(args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ContinueOnError)
	out := fs.String("out", "ledger-key.json", "key file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	raw := os.Getenv("ORACLE_LEDGER_PRIVATE_KEY")
	password := os.Getenv("ORACLE_LEDGER_KEY_PASSWORD")
	if raw == "" || password == "" {
		return errors.New("ORACLE_LEDGER_PRIVATE_KEY and ORACLE_LEDGER_KEY_PASSWORD must be set")
	}

	data, err := crypto.EncryptKey(raw, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Printf("wrote %s\n", *out)
	return nil
}
