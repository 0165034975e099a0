// Command bridge runs the realtime audio bridge: it accepts AudioSocket
// calls from the PBX and connects each one to a speech-to-speech provider.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/config"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/health"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/kv"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/observe"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/resilience"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/server"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/internal/tools"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime/gemini"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime/openai"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime/ultravox"
	"github.com/kombalarasoftware-cmd/cenaniVoice-sub001/pkg/provider/realtime/xai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "bridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "bridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("bridge starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Call store ────────────────────────────────────────────────────────────
	store := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer store.Close()

	// ── Providers and breaker table ───────────────────────────────────────────
	router := resilience.NewRouter(logger)
	registerProviders(router, cfg)

	// ── Tool registry ─────────────────────────────────────────────────────────
	reg := tools.NewRegistry(logger)
	for _, wh := range cfg.Tools.Webhooks {
		reg.Register(wh.Name, tools.NewHTTPHandler(wh.URL, wh.Headers, nil))
	}
	connector := tools.NewMCPConnector()
	defer connector.Close()
	for _, mc := range cfg.MCP.Servers {
		if err := connector.Connect(ctx, mc, reg); err != nil {
			slog.Error("mcp server connection failed", "server", mc.Name, "err", err)
			return 1
		}
	}
	if names := reg.Names(); len(names) > 0 {
		slog.Info("webhook and mcp tools registered", "tools", names)
	}

	// ── Metrics and health listener ───────────────────────────────────────────
	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.RedisChecker(store),
			health.ProvidersChecker(router),
		).Register(mux)

		metricsSrv = &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		go func() {
			slog.Info("metrics listener up", "addr", cfg.Server.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listener error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.ProvidersChanged {
			slog.Warn("provider configuration changed on disk; restart to apply")
		}
		if diff.WebhooksChanged {
			slog.Warn("webhook tools changed on disk; restart to apply")
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── PBX listener ──────────────────────────────────────────────────────────
	srv := server.New(cfg.Server.ListenAddr, store, router, reg, metrics, logger)

	slog.Info("bridge ready")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("listener error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics listener shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// registerProviders builds an adapter for every provider that carries an API
// key and binds it into the breaker table with its configured fallback.
func registerProviders(router *resilience.Router, cfg *config.Config) {
	if e := cfg.Providers.OpenAI; e.APIKey != "" {
		var opts []openai.Option
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		router.Register(openai.New(e.APIKey, opts...), e.Fallback)
		slog.Info("provider registered", "provider", realtime.ProviderOpenAI, "fallback", e.Fallback)
	}

	if e := cfg.Providers.XAI; e.APIKey != "" {
		var opts []xai.Option
		if e.Model != "" {
			opts = append(opts, xai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, xai.WithBaseURL(e.BaseURL))
		}
		router.Register(xai.New(e.APIKey, opts...), e.Fallback)
		slog.Info("provider registered", "provider", realtime.ProviderXAI, "fallback", e.Fallback)
	}

	if e := cfg.Providers.Gemini; e.APIKey != "" {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		router.Register(gemini.New(e.APIKey, opts...), e.Fallback)
		slog.Info("provider registered", "provider", realtime.ProviderGemini, "fallback", e.Fallback)
	}

	if e := cfg.Providers.Ultravox; e.APIKey != "" {
		var opts []ultravox.Option
		if e.BaseURL != "" {
			opts = append(opts, ultravox.WithBaseURL(e.BaseURL))
		}
		router.Register(ultravox.New(e.APIKey, opts...), e.Fallback)
		slog.Info("provider registered", "provider", realtime.ProviderUltravox, "fallback", e.Fallback)
	}
}

// slogLevel maps the config log level onto slog's.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
