package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alexjbarnes/aicap/internal/auth"
	"github.com/alexjbarnes/aicap/internal/browser"
	"github.com/alexjbarnes/aicap/internal/config"
	"github.com/alexjbarnes/aicap/internal/credentials"
	"github.com/alexjbarnes/aicap/internal/cryptostore"
	"github.com/alexjbarnes/aicap/internal/limits"
	"github.com/alexjbarnes/aicap/internal/logging"
	"github.com/alexjbarnes/aicap/internal/mcpserver"
	"github.com/alexjbarnes/aicap/internal/providers"
	"github.com/alexjbarnes/aicap/internal/providers/antigravity"
	"github.com/alexjbarnes/aicap/internal/providers/codex"
	"github.com/alexjbarnes/aicap/internal/ratelimit"
	"github.com/alexjbarnes/aicap/internal/scheduler"
	"github.com/alexjbarnes/aicap/internal/server"
	"github.com/alexjbarnes/aicap/internal/state"
	"github.com/alexjbarnes/aicap/internal/watcher"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	rateLimitCleanupInterval = 10 * time.Minute
	stateCleanupInterval     = 5 * time.Minute
	shutdownTimeout          = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local API server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("aicap starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr()),
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("token_auth", cfg.APIToken != ""),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	if err := cryptostore.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("preparing data dir: %w", err)
	}

	store := credentials.New(cfg.DataDir, cryptostore.New(cfg.DataDir), logger)

	appState, err := state.LoadAt(filepath.Join(cfg.DataDir, state.FileName))
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	states := auth.NewStateRegistry(logger)

	openaiFlows := auth.NewFlowManager(codex.OAuthConfig(cfg.OpenAIClientID, cfg.OpenAIRedirectURI), states, store, logger)
	googleFlows := auth.NewFlowManager(antigravity.OAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI), states, store, logger)

	registry := providers.NewRegistry(
		codex.New(codex.Config{Model: cfg.CodexModel}, openaiFlows, appState, logger),
		antigravity.New(antigravity.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		}, googleFlows, logger),
	)
	if !cfg.GoogleConfigured() {
		logger.Info("antigravity not configured, set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET to enable it")
	}

	coordinator := limits.NewCoordinator(registry.Sources(), appState, logger)

	window := cfg.RateLimitWindow()
	general := ratelimit.New(cfg.RateLimitRequests, window)
	authLimiter := ratelimit.New(cfg.AuthRateLimitRequests, window)

	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpServer := mcp.NewServer(
			&mcp.Implementation{Name: "aicap", Version: Version},
			nil,
		)
		mcpserver.RegisterTools(mcpServer, coordinator, store)
		mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
			return mcpServer
		}, nil)
	}

	var schedulerRunning atomic.Bool

	handler := server.NewRouter(server.Config{
		Registry:         registry,
		Limits:           coordinator,
		Accounts:         store,
		States:           states,
		GeneralLimiter:   general,
		AuthLimiter:      authLimiter,
		APIToken:         cfg.APIToken,
		DevMode:          cfg.DevMode,
		MCPHandler:       mcpHandler,
		OpenBrowser:      browser.Open,
		SchedulerRunning: schedulerRunning.Load,
		Version:          Version,
		StartedAt:        time.Now(),
		Logger:           logger,
	})

	sched, err := scheduler.New(logger,
		scheduler.Job{
			Name:      "limits-refresh",
			Interval:  cfg.UpdateInterval(),
			Immediate: true,
			Run: func(ctx context.Context) {
				coordinator.RefreshAll(ctx)
			},
		},
		scheduler.Job{
			Name:     "rate-limit-cleanup",
			Interval: rateLimitCleanupInterval,
			Run: func(context.Context) {
				n := general.Cleanup() + authLimiter.Cleanup()
				if n > 0 {
					logger.Debug("rate limit buckets removed", slog.Int("count", n))
				}
			},
		},
		scheduler.Job{
			Name:     "oauth-state-cleanup",
			Interval: stateCleanupInterval,
			Run: func(context.Context) {
				if n := states.CleanupExpired(); n > 0 {
					logger.Debug("expired oauth states removed", slog.Int("count", n))
				}
			},
		},
	)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		schedulerRunning.Store(true)
		defer schedulerRunning.Store(false)
		return sched.Run(gctx)
	})

	g.Go(func() error {
		w := watcher.New(cfg.DataDir, credentials.TokensFile, store, coordinator, logger)
		if err := w.Watch(gctx); err != nil {
			// The API stays useful without live reloads.
			logger.Warn("credential watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		return listen(gctx, cfg.ListenAddr(), handler, logger)
	})

	return g.Wait()
}

// listen serves until ctx is cancelled. There is no write timeout because
// the limits stream holds its response open.
func listen(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting API server", slog.String("listen", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}
