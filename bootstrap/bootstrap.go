// Package bootstrap wires all dependencies and starts the application.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandgate/sandgate/adapters/clock"
	"github.com/sandgate/sandgate/adapters/container"
	apihttp "github.com/sandgate/sandgate/adapters/http"
	"github.com/sandgate/sandgate/adapters/idgen"
	"github.com/sandgate/sandgate/adapters/metrics"
	"github.com/sandgate/sandgate/adapters/sqlite"
	"github.com/sandgate/sandgate/app"
	"github.com/sandgate/sandgate/config"
	"github.com/sandgate/sandgate/ports"
)

// Options configures application startup.
type Options struct {
	// ConfigPath is the YAML config file. Empty means env-only config.
	ConfigPath string

	// HotReload watches the config file and applies changes without a
	// restart. SIGHUP always triggers a reload regardless.
	HotReload bool
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	DB         *sqlite.DB
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Holder     *config.Holder

	proxyService  *app.ProxyService
	auditRecorder ports.AuditRecorder
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	bootLogger := newLogger(config.LoggingConfig{Level: "info", Format: "json"})

	var holder *config.Holder
	var cfg *config.Config
	if opts.ConfigPath != "" {
		var err error
		holder, err = config.NewHolder(opts.ConfigPath, bootLogger)
		if err != nil {
			return nil, err
		}
		cfg = holder.Get()
	} else {
		var err error
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, err
		}
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Msg("initializing sandgate")

	a := &App{
		Logger: logger,
		Holder: holder,
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	if cfg.Audit.Enabled {
		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.DB = db
		a.auditRecorder = NewLocalAuditRecorder(
			sqlite.NewAuditStore(db), cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
		logger.Info().Str("dsn", cfg.Database.DSN).Msg("audit trail enabled")
	}

	runtime := container.New(container.Options{
		Host:            cfg.Container.Host,
		ConnectTimeout:  cfg.Container.ConnectTimeout,
		MaxIdleConns:    cfg.Container.MaxIdleConns,
		IdleConnTimeout: cfg.Container.IdleConnTimeout,
		Logger:          logger,
	})

	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		return nil, err
	}

	a.proxyService = app.NewProxyService(app.ProxyDeps{
		Runtime: runtime,
		Audit:   a.auditRecorder,
		Clock:   clock.Real{},
		IDGen:   idgen.UUID{},
		Logger:  logger,
	}, gwCfg)

	if holder != nil {
		a.wireReload(holder, logger)
	}

	gw := apihttp.NewGatewayHandlerWithMetrics(a.proxyService, logger, a.Metrics)
	health := apihttp.NewHealthHandler(a.proxyService)
	router := apihttp.NewRouterWithConfig(gw, health, logger, apihttp.RouterConfig{
		Metrics: a.Metrics,
	})

	a.HTTPServer = &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero unless configured: it would sever
		// WebSocket sessions and streaming responses.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if holder != nil {
		if opts.HotReload {
			if err := holder.WatchFile(); err != nil {
				logger.Warn().Err(err).Msg("config file watch unavailable")
			}
		}
		holder.WatchSignals()
	}

	return a, nil
}

// wireReload pushes reloaded config into the proxy service. Changes that
// require a restart (server address, container host) are ignored here.
func (a *App) wireReload(holder *config.Holder, logger zerolog.Logger) {
	holder.OnChange(func(cfg *config.Config) {
		gwCfg, err := gatewayConfig(cfg)
		if err != nil {
			logger.Error().Err(err).Msg("reloaded config rejected")
			return
		}
		a.proxyService.UpdateGateway(gwCfg)
		if a.Metrics != nil {
			a.Metrics.ConfigReloads.Inc()
			a.Metrics.ConfigLastReload.SetToCurrentTime()
		}
	})
	holder.OnError(func(err error) {
		if a.Metrics != nil {
			a.Metrics.ConfigReloadErrors.Inc()
		}
	})
}

// gatewayConfig converts loaded config into the proxy's gateway settings.
func gatewayConfig(cfg *config.Config) (app.GatewayConfig, error) {
	rules, err := cfg.RuleSet()
	if err != nil {
		return app.GatewayConfig{}, fmt.Errorf("build rule set: %w", err)
	}
	return app.GatewayConfig{
		Rules:  rules,
		Values: cfg.Values(),
		Port:   cfg.Gateway.Port,
		Debug:  cfg.Logging.DebugRequests,
	}, nil
}

// Run starts the server and blocks until interrupt or failure.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Holder != nil {
		a.Holder.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.auditRecorder != nil {
		if err := a.auditRecorder.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("audit recorder close error")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
