package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/config"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/service/ledger"
)

var rootCmd = &cobra.Command{
	Use:           "coachbot-api",
	Short:         "Coaching chatbot backend",
	Long:          `Serves the persona catalogue, conversations and the usage ledger over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, ledgerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads .env and the configuration and installs the global logger.
func bootstrap() (*config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (*ledger.Ledger, error) {
	store, err := ledger.OpenStore(ctx, ledger.StoreConfig{
		Backend:    cfg.Backend,
		FilePath:   cfg.FilePath,
		RedisURL:   cfg.RedisURL,
		RedisKey:   cfg.RedisKey,
		SQLitePath: cfg.SQLitePath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	return ledger.New(store,
		ledger.WithPricing(ledger.Pricing{InputPerMillion: cfg.InputRate, OutputPerMillion: cfg.OutputRate}),
		ledger.WithLogger(logger),
	), nil
}

// personaStore is the catalogue plus an optional watcher loop.
type personaStore struct {
	persona.Store
	watch func(ctx context.Context) error
}

func openPersonas(cfg config.PersonasConfig, logger *zap.Logger) (personaStore, error) {
	if cfg.File == "" {
		return personaStore{Store: persona.NewMemoryStore(persona.Seed())}, nil
	}

	fs, err := persona.LoadFile(cfg.File, logger)
	if err != nil {
		return personaStore{}, fmt.Errorf("load persona catalogue: %w", err)
	}
	ps := personaStore{Store: fs}
	if cfg.Watch {
		ps.watch = fs.Watch
	}
	return ps, nil
}
