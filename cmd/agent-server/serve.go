package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/browseros-ai/agent-server/internal/agent"
	"github.com/browseros-ai/agent-server/internal/bridge"
	"github.com/browseros-ai/agent-server/internal/catalog"
	"github.com/browseros-ai/agent-server/internal/config"
	"github.com/browseros-ai/agent-server/internal/integrations"
	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/internal/mcpserver"
	"github.com/browseros-ai/agent-server/internal/model"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ratelimit"
	"github.com/browseros-ai/agent-server/internal/session"
	"github.com/browseros-ai/agent-server/internal/web"
	"github.com/browseros-ai/agent-server/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath     string
		port           int
		execDir        string
		allowRemoteMCP bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("exec-dir") {
				cfg.Server.ExecDir = execDir
			}
			if cmd.Flags().Changed("allow-remote-mcp") {
				cfg.Server.AllowRemoteMCP = allowRemoteMCP
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().IntVar(&port, "port", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&execDir, "exec-dir", "", "root for per-session working directories")
	cmd.Flags().BoolVar(&allowRemoteMCP, "allow-remote-mcp", false, "allow non-loopback callers on /mcp")
	return cmd
}

// runtime wires the long-lived components and builds per-conversation
// sessions.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	prober  *mcp.Prober
	catalog *catalog.Client
	broker  *integrations.Client

	// localMCPURL is where a conversation's pool reaches the in-process
	// browser-tool server.
	localMCPURL string
}

// newSession is the session.Factory: provider, MCP pool, working directory.
func (rt *runtime) newSession(ctx context.Context, id string, cfg models.Config) (*agent.Agent, error) {
	if cfg.Provider == models.ProviderManaged && cfg.Credentials.BaseURL == "" && rt.catalog != nil {
		creds, err := rt.catalog.Credentials(ctx, "default")
		if err != nil {
			return nil, fmt.Errorf("managed credentials: %w", err)
		}
		cfg.Credentials.BaseURL = creds.BaseURL
		cfg.Credentials.APIKey = creds.APIKey
		if creds.Upstream != "" {
			cfg.ManagedUpstream = models.ProviderKind(creds.Upstream)
		}
	}

	provider, err := model.New(cfg)
	if err != nil {
		return nil, err
	}

	// The scope header keys the local server's browser state to this
	// conversation.
	specs := []*mcp.ServerSpec{{
		Name:    "local",
		URL:     rt.localMCPURL,
		Headers: map[string]string{mcpserver.ScopeHeader: id},
	}}
	if rt.broker != nil {
		grant, err := rt.broker.Negotiate(ctx, id, "default")
		if err != nil {
			rt.logger.Warn(ctx, "integrations negotiation failed", "conversation_id", id, "error", err)
		} else if grant != nil {
			specs = append(specs, grant.ServerSpec())
		}
	}
	for _, s := range rt.cfg.MCP.Servers {
		specs = append(specs, &mcp.ServerSpec{Name: s.Name, URL: s.URL, Headers: s.Headers})
	}

	pool := mcp.NewPool(specs, rt.prober, rt.logger.Slog(), rt.metrics)
	if err := pool.Connect(ctx); err != nil {
		// A conversation without tools still chats.
		rt.logger.Warn(ctx, "no MCP servers reachable", "conversation_id", id, "error", err)
	}

	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(rt.cfg.Server.ExecDir, "sessions", id)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	return agent.New(id, cfg, provider, pool, rt.logger, rt.metrics), nil
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	hub := bridge.NewHub(logger.Slog())
	mcpSrv, err := mcpserver.New(hub, logger, cfg.Server.AllowRemoteMCP)
	if err != nil {
		return fmt.Errorf("local MCP server: %w", err)
	}

	var cat *catalog.Client
	var limitSource ratelimit.LimitSource
	if cfg.Catalog.URL != "" {
		cat = catalog.NewClient(cfg.Catalog.URL, logger)
		limitSource = cat
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Path:   cfg.RateLimit.DBPath,
		Source: limitSource,
		Bypass: cfg.RateLimit.Bypass,
	}, logger, metrics)
	if err != nil {
		return err
	}
	defer limiter.Close()

	var broker *integrations.Client
	if cfg.MCP.AggregatorURL != "" {
		broker = integrations.NewClient(cfg.MCP.AggregatorURL, logger)
	}

	rt := &runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		prober:      mcp.NewProber(),
		catalog:     cat,
		broker:      broker,
		localMCPURL: fmt.Sprintf("http://127.0.0.1:%d/mcp", cfg.Server.Port),
	}
	registry := session.NewRegistry(rt.newSession, logger, metrics)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdownCtx, requestShutdown := context.WithCancel(ctx)
	defer requestShutdown()

	webSrv := web.New(web.Options{
		Registry: registry,
		Limiter:  limiter,
		Hub:      hub,
		MCP:      mcpSrv,
		Logger:   logger,
		Metrics:  metrics,
		Shutdown: requestShutdown,
	})

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           webSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Periodic maintenance: browser-state sweep, aggregator re-list, probe
	// cache prune.
	jobs := cron.New()
	jobs.AddFunc("@every 5m", mcpSrv.Sweep)
	jobs.AddFunc("@every 3m", func() {
		registry.Range(func(id string, a *agent.Agent) {
			if pool := a.Pool(); pool != nil {
				relistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				pool.Relist(relistCtx)
				cancel()
			}
		})
	})
	jobs.AddFunc("@every 1h", rt.prober.Prune)
	jobs.Start()
	defer jobs.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "agent server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-shutdownCtx.Done():
	}

	logger.Info(context.Background(), "shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(stopCtx); err != nil {
		logger.Warn(context.Background(), "http shutdown", "error", err)
	}
	registry.Shutdown()
	return nil
}
