package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/branchpad/internal/api"
	"github.com/RichardoC/branchpad/internal/config"
	"github.com/RichardoC/branchpad/internal/db"
	"github.com/RichardoC/branchpad/internal/fork"
	"github.com/RichardoC/branchpad/internal/llm"
	"github.com/RichardoC/branchpad/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "branchpad",
		Short: "branchpad is a chat server whose conversations can be forked",
	}
	rootCmd.AddCommand(newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var addr, dbPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8100", "listen address (overrides BRANCHPAD_ADDR)")
	cmd.Flags().StringVar(&dbPath, "db", "branchpad.db", "SQLite database path (overrides BRANCHPAD_DB_PATH)")
	return cmd
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func newProvider(cfg config.Config) (llm.Provider, error) {
	opts := []llm.Option{
		llm.WithSystemPrompt(cfg.SystemPrompt),
		llm.WithTimeout(cfg.GenerationTimeout),
	}
	switch cfg.LLMBackend {
	case config.BackendOpenAI:
		return llm.NewOpenAI(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMModel, opts...), nil
	case config.BackendLangchain:
		return llm.New(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMModel, opts...)
	default:
		return nil, fmt.Errorf("unknown LLM backend %q", cfg.LLMBackend)
	}
}

func relayOptions(cfg config.Config, logger *zap.Logger) ([]relay.Option, error) {
	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithHistoryLimit(cfg.HistoryLimit),
		relay.WithBuffer(cfg.StreamBuffer),
	}
	if cfg.HistoryTokenBudget > 0 {
		counter, err := llm.NewTiktokenCounter(cfg.LLMModel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, relay.WithTokenBudget(cfg.HistoryTokenBudget, counter))
	}
	return opts, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.DBPath))
		return err
	}
	defer database.Close()

	provider, err := newProvider(cfg)
	if err != nil {
		logger.Error("failed to initialize LLM service", zap.Error(err))
		return err
	}
	ropts, err := relayOptions(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize token counter", zap.Error(err))
		return err
	}

	handler := api.NewHandler(
		database,
		fork.NewEngine(database, logger),
		relay.New(database, provider, ropts...),
		logger,
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(cfg.WebDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting server",
			zap.String("addr", cfg.Addr),
			zap.String("backend", cfg.LLMBackend),
			zap.String("model", cfg.LLMModel))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	return nil
}
