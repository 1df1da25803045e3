// Command chatcli chats with one persona from the terminal. Snapshots are
// kept in local files, so a conversation survives restarts the same way it
// does in the browser.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/config"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/service/ai"
	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
	"github.com/zhouzirui/coachbot/backend/internal/service/ledger"
	"github.com/zhouzirui/coachbot/backend/internal/service/session"
	"github.com/zhouzirui/coachbot/backend/internal/statsclient"
)

type options struct {
	personaID   string
	starterID   string
	server      string
	ledgerFile  string
	sessionsDir string
	verbose     bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:           "chatcli",
	Short:         "Chat with a coaching persona in the terminal",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

var listCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the available personas and their starters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		personas, err := loadPersonas(cfg.Personas, logger)
		if err != nil {
			return err
		}
		for _, p := range personas.List() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ID, p.Name, p.Title)
			for _, s := range p.Starters {
				fmt.Fprintf(cmd.OutOrStdout(), "\t%s\t%s\n", s.ID, s.Text)
			}
		}
		return nil
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.personaID, "persona", "p", "", "persona id, see the personas subcommand")
	flags.StringVarP(&opts.starterID, "starter", "s", "", "starter id used to open a new conversation")
	flags.StringVar(&opts.server, "server", "", "record usage on this API server, e.g. http://localhost:8080")
	flags.StringVar(&opts.ledgerFile, "ledger-file", "data/stats.json", "local ledger file used when --server is empty")
	flags.StringVar(&opts.sessionsDir, "sessions-dir", defaultSessionsDir(), "directory for conversation snapshots")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured LOG_LEVEL instead of warn")
	_ = rootCmd.MarkFlagRequired("persona")

	rootCmd.AddCommand(listCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultSessionsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coachbot/sessions"
	}
	return filepath.Join(home, ".coachbot", "sessions")
}

func bootstrap() (*config.Config, *zap.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !opts.verbose {
		cfg.Log.Level = "warn"
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func loadPersonas(cfg config.PersonasConfig, logger *zap.Logger) (persona.Store, error) {
	if cfg.File == "" {
		return persona.NewMemoryStore(persona.Seed()), nil
	}
	return persona.LoadFile(cfg.File, logger)
}

// openSink returns the ledger sink and a function releasing it.
func openSink(logger *zap.Logger) (conversation.LedgerSink, func(), error) {
	if opts.server != "" {
		return statsclient.New(opts.server, statsclient.WithLogger(logger)), func() {}, nil
	}

	store, err := ledger.NewFileStore(opts.ledgerFile, logger)
	if err != nil {
		return nil, nil, err
	}
	l := ledger.New(store, ledger.WithLogger(logger))
	return conversation.RecorderSink(l), func() { _ = l.Close() }, nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if !cfg.AI.Enabled() {
		return errors.New("AI is not configured: set ARK_API_KEY (or ARK_ACCESS_KEY/ARK_SECRET_KEY) and ARK_MODEL")
	}

	personas, err := loadPersonas(cfg.Personas, logger)
	if err != nil {
		return err
	}
	p, ok := personas.FindByID(opts.personaID)
	if !ok {
		return fmt.Errorf("unknown persona %q", opts.personaID)
	}

	aiService, err := ai.NewService(ctx, cfg.AI, logger)
	if err != nil {
		return err
	}

	kv, err := session.NewFileKV(opts.sessionsDir)
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(logger)
	if err != nil {
		return err
	}
	defer closeSink()

	ctrl, err := conversation.NewController(conversation.Config{
		Persona:      p,
		Generator:    aiService,
		Sessions:     session.NewStore(kv, logger),
		Ledger:       sink,
		Classifier:   conversation.NewPhraseClassifier(cfg.Conversation.PendingPhrases...),
		Confirm:      conversation.Confirmation{Yes: cfg.Conversation.ConfirmYes, No: cfg.Conversation.ConfirmNo},
		SystemPrompt: ai.NewPromptBuilder().Build,
		Timeout:      cfg.Conversation.GenerationTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	// 退出即视为离开页面
	defer ctrl.Unload(context.WithoutCancel(ctx))

	return newREPL(ctrl, cmd.InOrStdin(), cmd.OutOrStdout(), opts.starterID).run(ctx)
}
