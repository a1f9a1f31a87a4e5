// ABOUTME: Gateway orchestrator that wires the store, session registry and front-ends together
// ABOUTME: Runs the HTTP server, Matrix bot, activity dispatcher and cleanup schedule under one errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/activity"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/engine"
	"github.com/2389/relay-gateway/internal/matrix"
	"github.com/2389/relay-gateway/internal/session"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/web"
)

// Gateway owns every long-lived component of relay-gateway.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	activity    *activity.Dispatcher
	registry    *session.Registry
	web         *web.Server
	bot         *matrix.Bot
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	cron        *cron.Cron
	logger      *slog.Logger

	stopping     chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the transcript database, honouring RELAY_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// engineFactory builds the CLI engine factory from config.
func engineFactory(cfg config.EngineConfig, logger *slog.Logger) engine.Factory {
	return engine.NewCLIFactory(engine.CLIOptions{
		Command:        cfg.Command,
		ExtraArgs:      cfg.Args,
		Model:          cfg.Model,
		PermissionMode: cfg.PermissionMode,
		WorkingDir:     cfg.WorkingDir,
		Env:            cfg.EnvList(),
	}, logger)
}

// New creates a Gateway from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return newGateway(cfg, logger, engineFactory(cfg.Engine, logger))
}

func newGateway(cfg *config.Config, logger *slog.Logger, factory engine.Factory) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		logger:   logger.With("component", "gateway"),
		stopping: make(chan struct{}),
	}
	if err := gw.build(logger, factory); err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

func (g *Gateway) build(logger *slog.Logger, factory engine.Factory) error {
	cfg := g.config

	var mx *mautrix.Client
	sinks := []activity.Sink{activity.NewLogSink(logger)}
	if cfg.Matrix.Enabled {
		client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
		if err != nil {
			return fmt.Errorf("creating matrix client: %w", err)
		}
		mx = client
		if cfg.Matrix.MonitorRoom != "" {
			sinks = append(sinks, matrix.NewMonitorSink(client, cfg.Matrix.MonitorRoom))
			logger.Info("activity monitor room enabled", "room", cfg.Matrix.MonitorRoom)
		}
	}

	g.activity = activity.NewDispatcher(activity.DispatcherConfig{
		BufferSize:    cfg.Activity.BufferSize,
		BatchSize:     cfg.Activity.BatchSize,
		FlushInterval: cfg.Activity.FlushInterval,
	}, logger, sinks...)

	var opts []session.Option
	if cfg.Sessions.ReplaceTimeout > 0 {
		opts = append(opts, session.WithReplaceTimeout(cfg.Sessions.ReplaceTimeout))
	}
	g.registry = session.NewRegistry(g.store, factory, g.activity, logger, opts...)

	authn, err := auth.NewAuthenticator(auth.Options{
		PasswordHash: cfg.Auth.WebPasswordHash,
		Password:     cfg.Auth.WebPassword,
		APIKey:       cfg.Auth.APIKey,
		JWTSecret:    []byte(cfg.Auth.JWTSecret),
		TokenTTL:     cfg.Auth.TokenTTL,
		SecureCookie: cfg.Tailscale.Enabled,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	g.web = web.NewServer(g.registry, authn, g.store, web.Config{
		HistoryLimit:   cfg.Sessions.HistoryLimit,
		SendTimeout:    cfg.Engine.SendTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	if mx != nil {
		g.bot = matrix.New(mx, g.registry, matrix.Config{
			UserID:         cfg.Matrix.UserID,
			AllowedUsers:   cfg.Matrix.AllowedUsers,
			CommandPrefix:  cfg.Matrix.CommandPrefix,
			DefaultSession: cfg.Sessions.DefaultName,
			SendTimeout:    cfg.Engine.SendTimeout,
		}, logger)
	}

	g.cron = cron.New(cron.WithLogger(cronLogger{g.logger}), cron.WithChain(cron.Recover(cronLogger{g.logger})))
	if _, err := g.cron.AddFunc(cfg.Sessions.CleanupSchedule, g.cleanupIdleSessions); err != nil {
		return fmt.Errorf("scheduling session cleanup %q: %w", cfg.Sessions.CleanupSchedule, err)
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// cleanupIdleSessions is the scheduled job releasing live sessions nobody watches.
func (g *Gateway) cleanupIdleSessions() {
	if n := g.registry.Cleanup(); n > 0 {
		g.logger.Info("idle sessions released", "count", n, "live", len(g.registry.LiveSessions()))
	}
}

// Registry exposes the session registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// setupListener creates the HTTP listener on TCP or on the tailnet.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts every component and blocks until ctx is cancelled or one of them fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	// The dispatcher outlives gctx so activity from closing sessions is still
	// delivered; Shutdown stops it after the registry.
	grp.Go(func() error {
		return g.activity.Run(context.WithoutCancel(gctx))
	})

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.bot != nil {
		grp.Go(func() error {
			return g.bot.Run(gctx)
		})
	}

	g.cron.Start()
	g.logger.Info("session cleanup scheduled", "schedule", g.config.Sessions.CleanupSchedule)

	grp.Go(func() error {
		select {
		case <-gctx.Done():
			g.logger.Info("context canceled, initiating shutdown")
		case <-g.stopping:
		}
		return g.gracefulShutdown()
	})

	return grp.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, then closes sessions, the bot, the
// dispatcher and the store in that order. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		close(g.stopping)
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	select {
	case <-g.cron.Stop().Done():
	case <-ctx.Done():
	}

	if g.bot != nil {
		g.bot.Close()
	}
	g.registry.Close()
	errs = appendCloseError(errs, "activity flush", g.activity.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// cronLogger routes robfig/cron logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
