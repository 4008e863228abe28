package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mcphub-dev/mcphub/internal/applog"
	"github.com/mcphub-dev/mcphub/internal/dispatch"
	"github.com/mcphub-dev/mcphub/internal/httpapi"
	"github.com/mcphub-dev/mcphub/internal/index"
	"github.com/mcphub-dev/mcphub/internal/netutil"
	"github.com/mcphub-dev/mcphub/internal/oauth"
	"github.com/mcphub-dev/mcphub/internal/observability"
	"github.com/mcphub-dev/mcphub/internal/session"
	"github.com/mcphub-dev/mcphub/internal/settings"
	"github.com/mcphub-dev/mcphub/internal/storage"
	"github.com/mcphub-dev/mcphub/internal/upstream"
	"github.com/mcphub-dev/mcphub/internal/workerpool"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitPortInUse   = 2
)

// boundedWorkers and boundedQueueDepth size the workerpool.Pool shared by
// OAuth token exchanges and search_tools queries (spec.md §5).
const (
	boundedWorkers    = 8
	boundedQueueDepth = 64
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	var listen string
	var basePath string
	var adminListen string
	var jwtSecret string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runServe(v, listen, basePath, adminListen, jwtSecret))
			return nil
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "downstream SSE/streaming-HTTP listen address (default: $PORT or :3000)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "URL mount point for the downstream session routes (default: $BASE_PATH)")
	cmd.Flags().StringVar(&adminListen, "admin-listen", ":3001", "admin REST surface listen address")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret gating the admin REST surface (empty disables verification)")
	return cmd
}

func runServe(v *viper.Viper, listen, basePath, adminListen, jwtSecret string) int {
	logger, err := applog.New(loggingConfig(v))
	if err != nil {
		fmt.Fprintln(os.Stderr, "mcphub: failed to initialize logger:", err)
		return exitConfigError
	}
	defer logger.Sync()

	store := settings.NewStore(v.GetString("config"), logger)
	doc, err := store.Load()
	if err != nil {
		logger.Error("failed to load settings", zap.Error(err))
		return exitConfigError
	}

	dataDir := v.GetString("data-dir")
	if dataDir == "" {
		dataDir = doc.DataDir
	}
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".mcphub")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", zap.String("dir", dataDir), zap.Error(err))
		return exitConfigError
	}

	if listen == "" {
		listen = envOrDefault("PORT", ":3000")
		if listen[0] != ':' {
			listen = ":" + listen
		}
	}
	if basePath == "" {
		basePath = os.Getenv("BASE_PATH")
	}

	audit, err := storage.Open(dataDir, logger)
	if err != nil {
		logger.Error("failed to open audit store", zap.Error(err))
		return exitConfigError
	}
	defer audit.Close()

	vectorIndex, err := index.NewManager(dataDir, logger)
	if err != nil {
		logger.Error("failed to open search index", zap.Error(err))
		return exitConfigError
	}
	defer vectorIndex.Close()

	// Bounds concurrent OAuth token exchanges and search_tools queries
	// (spec.md §5), shared across both since neither is the bottleneck
	// the other isn't already bounded against.
	pool := workerpool.New(boundedWorkers, boundedQueueDepth, logger)
	defer pool.Stop()

	redirectURI := fmt.Sprintf("http://localhost%s/oauth/callback", adminListen)
	coordinator := oauth.New(store, redirectURI, logger)
	coordinator.SetWorkerPool(pool)

	registry := upstream.NewRegistry(doc.Separator(), coordinator, logger)
	registry.Reload(doc)

	obs := observability.New(logger)
	obs.Health.AddChecker(observability.NewChecker("audit-store", func(context.Context) error {
		_, err := audit.Count()
		return err
	}))
	obs.Health.AddChecker(observability.NewChecker("search-index", func(context.Context) error {
		if !vectorIndex.Available() {
			return fmt.Errorf("search index closed")
		}
		return nil
	}))

	dispatcher := dispatch.New(registry, vectorIndex, dispatch.ServerInfo{Name: "mcphub", Version: version}, doc, logger)
	dispatcher.SetAuditSink(auditSink{store: audit, metrics: obs.Metrics, logger: logger})
	dispatcher.SetWorkerPool(pool)
	if raw := os.Getenv("REQUEST_TIMEOUT"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			dispatcher.SetDefaultTimeout(time.Duration(ms) * time.Millisecond)
		} else {
			logger.Warn("ignoring invalid REQUEST_TIMEOUT", zap.String("value", raw))
		}
	}

	if err := vectorIndex.Rebuild(registry.CatalogTools(upstream.Filter{})); err != nil {
		logger.Warn("initial search index rebuild failed", zap.Error(err))
	}

	routingSource := func() settings.RoutingConfig {
		cur, err := store.Load()
		if err != nil {
			logger.Warn("failed to reload routing config, using defaults", zap.Error(err))
			return settings.RoutingConfig{}
		}
		return cur.System.Routing
	}
	knownUserSource := func(name string) bool {
		cur, err := store.Load()
		if err != nil {
			return false
		}
		for _, u := range cur.Users {
			if u.Username == name {
				return true
			}
		}
		return false
	}

	sessions := session.NewManager(basePath, dispatcher, routingSource, knownUserSource, logger)

	// Fan upstream notifications in to downstream sessions (spec.md §4.6)
	// and keep the search index current when an upstream's catalog moves
	// out from under us via a list_changed notification.
	registry.OnNotification(sessions.HandleUpstreamNotification)
	registry.OnCatalogChanged(func(serverName string) {
		if err := vectorIndex.Rebuild(registry.CatalogTools(upstream.Filter{})); err != nil {
			logger.Warn("search index rebuild after catalog change failed",
				zap.String("server", serverName), zap.Error(err))
		}
	})

	unsubscribe := store.Subscribe(func(updated *settings.Settings) {
		registry.Reload(updated)
		dispatcher.OnSettingsChanged(updated)
		if err := vectorIndex.Rebuild(registry.CatalogTools(upstream.Filter{})); err != nil {
			logger.Warn("search index rebuild after settings reload failed", zap.Error(err))
		}
	})
	defer unsubscribe()

	coordinator.OnResume(func(serverName string) {
		if err := registry.Reconnect(context.Background(), serverName); err != nil {
			logger.Warn("reconnect after oauth resume failed", zap.String("server", serverName), zap.Error(err))
		}
	})

	admin := httpapi.New(store, coordinator, jwtSecret, obs, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry.Run(ctx)
	sessions.Run()
	defer sessions.Stop()
	defer registry.Stop()

	go runStatsUpdater(ctx, obs.Metrics, registry, vectorIndex, sessions)

	sessionAddr, err := netutil.FindAvailableListenAddress(listen, 10)
	if err != nil {
		logger.Error("failed to bind downstream listener", zap.Error(err))
		return exitPortInUse
	}
	adminAddr, err := netutil.FindAvailableListenAddress(adminListen, 10)
	if err != nil {
		logger.Error("failed to bind admin listener", zap.Error(err))
		return exitPortInUse
	}

	sessionServer := &http.Server{Addr: sessionAddr, Handler: sessions}
	adminServer := &http.Server{Addr: adminAddr, Handler: admin}

	errCh := make(chan error, 2)
	go func() { errCh <- runAndFilterClose(sessionServer) }()
	go func() { errCh <- runAndFilterClose(adminServer) }()

	logger.Info("mcphub started",
		zap.String("session_addr", sessionAddr),
		zap.String("admin_addr", adminAddr),
		zap.String("base_path", basePath))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = sessionServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)

	return exitOK
}

// runStatsUpdater refreshes the upstream/session/index gauges on a fixed
// cadence until ctx is cancelled.
func runStatsUpdater(ctx context.Context, metrics *observability.Metrics, registry *upstream.Registry, vectorIndex *index.Manager, sessions *session.Manager) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			clients := registry.Clients()
			connected := 0
			for _, c := range clients {
				if c.State() == upstream.StateConnected {
					connected++
				}
			}
			metrics.SetServerStats(len(clients), connected)
			metrics.SetSessionsActive(sessions.Count())
			if count, err := vectorIndex.Count(); err == nil {
				metrics.SetToolsIndexed(count)
			}
		}
	}
}

// auditSink adapts storage.AuditStore to dispatch.AuditSink, keeping
// internal/dispatch free of a compile-time dependency on the storage
// backend (see dispatch.AuditSink's doc comment). It also feeds the
// tool-call Prometheus instruments, so one sink sees every dispatch.
type auditSink struct {
	store   *storage.AuditStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

func (a auditSink) RecordToolCall(event dispatch.ToolCallEvent) {
	status := "success"
	if !event.Success {
		status = "error"
	}
	a.metrics.RecordToolCall(event.ServerName, event.ToolName, status, event.Duration)

	rec := storage.AuditRecord{
		Timestamp:  time.Now(),
		SessionID:  event.SessionID,
		User:       event.User,
		Scope:      event.Scope,
		ServerName: event.ServerName,
		ToolName:   event.ToolName,
		Method:     "tools/call",
		Success:    event.Success,
		Error:      event.Err,
		DurationMs: event.Duration.Milliseconds(),
	}
	if err := a.store.Append(rec); err != nil {
		a.logger.Warn("failed to append audit record", zap.Error(err))
	}
}

func runAndFilterClose(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggingConfig(v *viper.Viper) *applog.Config {
	cfg := applog.DefaultConfig()
	if level := v.GetString("log-level"); level != "" {
		cfg.Level = level
	}
	// Production deployments get JSON log lines; the --log-json flag
	// forces it regardless of environment.
	cfg.JSONFormat = v.GetBool("log-json") || os.Getenv("NODE_ENV") == "production"
	return cfg
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
