package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/coachbot/backend/internal/config"
	"github.com/zhouzirui/coachbot/backend/internal/handler"
	"github.com/zhouzirui/coachbot/backend/internal/handler/stats"
	"github.com/zhouzirui/coachbot/backend/internal/middleware"
	"github.com/zhouzirui/coachbot/backend/internal/service/ai"
	"github.com/zhouzirui/coachbot/backend/internal/service/conversation"
	"github.com/zhouzirui/coachbot/backend/internal/service/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	usageLedger, err := openLedger(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer usageLedger.Close()

	personas, err := openPersonas(cfg.Personas, logger)
	if err != nil {
		return err
	}

	sessions, closeSessions, err := openSessions(ctx, cfg.Session, logger)
	if err != nil {
		return err
	}
	defer closeSessions()

	hub := stats.NewHub(logger)
	usageLedger.Subscribe(hub.Publish)

	// 关闭顺序：先排空异步账本写入，再关闭账本存储
	sink := conversation.NewAsyncSink(conversation.RecorderSink(usageLedger), cfg.Conversation.LedgerTimeout, logger)
	defer sink.Close()

	deps := handler.Dependencies{
		Personas:       personas,
		Ledger:         usageLedger,
		Hub:            hub,
		StatsLimiter:   middleware.NewRateLimiter(cfg.Limits.StatsWriteRPS, cfg.Limits.StatsWriteBurst),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	}

	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize AI service, continuing without conversations", zap.Error(err))
		} else {
			logger.Info("AI service initialized", zap.String("model", cfg.AI.Model))
			prompts := ai.NewPromptBuilder()
			deps.Generator = aiService
			deps.Conversations = conversation.NewRegistry(personas, sessions, conversation.Config{
				Generator:    aiService,
				Ledger:       sink,
				Classifier:   conversation.NewPhraseClassifier(cfg.Conversation.PendingPhrases...),
				Confirm:      conversation.Confirmation{Yes: cfg.Conversation.ConfirmYes, No: cfg.Conversation.ConfirmNo},
				SystemPrompt: prompts.Build,
				Timeout:      cfg.Conversation.GenerationTimeout,
				Logger:       logger,
			})
		}
	} else {
		logger.Warn("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("coachbot backend listening", zap.String("addr", srv.Addr))
		return runServer(gctx, srv)
	})
	g.Go(func() error {
		return hub.Run(gctx)
	})
	if personas.watch != nil {
		g.Go(func() error {
			return personas.watch(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openSessions(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) (*session.Store, func(), error) {
	if cfg.Backend != "redis" {
		return session.NewStore(session.NewMemoryKV(), logger), func() {}, nil
	}

	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to session redis: %w", err)
	}

	kv := session.NewRedisKV(client, cfg.RedisPrefix, cfg.TTL)
	return session.NewStore(kv, logger), func() { _ = client.Close() }, nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
