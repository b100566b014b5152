// Command codex-helper is the composition root: it loads a RoutingPlan
// bootstrap file, wires the load-balancer state, planner, retry engine,
// proxy handler and Local Control API together, and runs two HTTP servers
// (the public proxy listener and the loopback-only control listener) until
// SIGINT/SIGTERM, following the graceful-shutdown sequencing of
// core/agent.go's BaseAgent.Start/Stop.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Latias94/codex-helper/internal/controlapi"
	"github.com/Latias94/codex-helper/internal/filterrules"
	"github.com/Latias94/codex-helper/internal/httpmw"
	"github.com/Latias94/codex-helper/internal/lbs"
	"github.com/Latias94/codex-helper/internal/logx"
	"github.com/Latias94/codex-helper/internal/model"
	"github.com/Latias94/codex-helper/internal/overrides"
	"github.com/Latias94/codex-helper/internal/planner"
	"github.com/Latias94/codex-helper/internal/proxy"
	"github.com/Latias94/codex-helper/internal/retry"
	"github.com/Latias94/codex-helper/internal/telemetry"
)

const (
	defaultListenAddr        = ":8085"
	defaultControlListenAddr = "127.0.0.1:8086"
	defaultAttemptTimeout    = 60 * time.Second
	shutdownGrace            = 15 * time.Second
)

func main() {
	configPath := os.Getenv("CODEX_HELPER_CONFIG")
	if configPath == "" {
		configPath = "codex-helper.yaml"
	}

	bf, err := loadBootstrap(configPath)
	if err != nil {
		log.Fatalf("codex-helper: loading bootstrap config: %v", err)
	}

	logger := buildLogger(bf.Logging)
	logger.Info("codex-helper: starting", map[string]interface{}{"config_path": configPath})

	tel, err := telemetry.NewProvider(telemetry.Config{
		Mode:         telemetry.Mode(orDefault(bf.Telemetry.Mode, string(telemetry.ModeDisabled))),
		ServiceName:  "codex-helper",
		OTLPEndpoint: bf.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		log.Fatalf("codex-helper: building telemetry provider: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(ctx); err != nil {
			logger.Warn("codex-helper: telemetry shutdown", map[string]interface{}{"error": err.Error()})
		}
	}()

	requestSink, closeRequestSink := buildSink(bf.RequestLog, logger)
	defer closeRequestSink()
	retryTraceSink, closeRetryTraceSink := buildRetryTraceSink(bf.RetryLog, logger)
	defer closeRetryTraceSink()

	filters, err := filterrules.New(bf.FilterRules, logger)
	if err != nil {
		log.Fatalf("codex-helper: loading filter rules: %v", err)
	}
	defer filters.Close()

	store := overrides.NewStore()
	balancer := lbs.New()

	var version uint64 = 1
	plan := bf.toRoutingPlan(version)
	holder := model.NewPlanHolder(plan)

	pl := planner.New(balancer, store)
	engine := retry.New(balancer, tel, logger)

	attemptTimeout := defaultAttemptTimeout
	if bf.Server.AttemptTimeoutMs > 0 {
		attemptTimeout = time.Duration(bf.Server.AttemptTimeoutMs) * time.Millisecond
	}

	active := telemetry.NewActiveTracker()
	recent := telemetry.NewRecentBuffer(256)

	proxyHandler := proxy.NewHandler(proxy.Dependencies{
		Plan:           holder,
		Planner:        pl,
		Engine:         engine,
		Overrides:      store,
		Filters:        filters,
		Sink:           requestSink,
		TraceSink:      retryTraceSink,
		Active:         active,
		Recent:         recent,
		Logger:         logger.WithComponent("proxy/handler"),
		Telemetry:      tel,
		ServiceName:    "codex-helper",
		AttemptTimeout: attemptTimeout,
		DebugEnabled:   bf.Server.DebugEnabled,
	})

	var reloadCounter atomic.Uint64
	reloadCounter.Store(version)
	reload := func() (*model.RoutingPlan, error) {
		fresh, err := loadBootstrap(configPath)
		if err != nil {
			return nil, err
		}
		current := holder.Load()
		candidate := fresh.toRoutingPlan(current.Version)
		if routingPlanContentEqual(candidate, current) {
			// Unchanged file content: keep the same Version so
			// GET /config/runtime returns a byte-identical body.
			return candidate, nil
		}
		next := reloadCounter.Add(1)
		return fresh.toRoutingPlan(next), nil
	}

	controlHandler := controlapi.NewHandler(controlapi.Dependencies{
		Plan:        holder,
		Overrides:   store,
		LBS:         balancer,
		Active:      active,
		Recent:      recent,
		Reload:      reload,
		Logger:      logger.WithComponent("proxy/controlapi"),
		ServiceName: "codex-helper",
	})

	listenAddr := orDefault(bf.Server.ListenAddr, defaultListenAddr)
	controlAddr := orDefault(bf.Server.ControlListenAddr, defaultControlListenAddr)

	corsConfig := httpmw.DefaultCORSConfig()
	wrappedProxy := httpmw.Chain(proxyHandler,
		httpmw.RecoveryMiddleware(logger),
		httpmw.LoggingMiddleware(logger, bf.Server.DebugEnabled),
		httpmw.CORSMiddleware(corsConfig),
	)
	wrappedControl := httpmw.Chain(controlHandler,
		httpmw.RecoveryMiddleware(logger),
		httpmw.LoggingMiddleware(logger, bf.Server.DebugEnabled),
		httpmw.CORSMiddleware(corsConfig),
	)

	proxyServer := &http.Server{
		Addr:              listenAddr,
		Handler:           wrappedProxy,
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlServer := &http.Server{
		Addr:              controlAddr,
		Handler:           wrappedControl,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("codex-helper: proxy listening", map[string]interface{}{"addr": listenAddr})
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	go func() {
		logger.Info("codex-helper: control api listening", map[string]interface{}{"addr": controlAddr})
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control api server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("codex-helper: shutdown signal received", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logger.Error("codex-helper: server failed", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("codex-helper: proxy server shutdown", map[string]interface{}{"error": err.Error()})
	}
	if err := controlServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("codex-helper: control api shutdown", map[string]interface{}{"error": err.Error()})
	}

	logger.Info("codex-helper: shutdown complete", nil)
}

func buildLogger(cfg bootstrapLogging) logx.ComponentAwareLogger {
	level := logx.Level(orDefault(cfg.Level, string(logx.LevelInfo)))
	format := logx.Format(orDefault(cfg.Format, string(logx.FormatJSON)))
	return logx.NewProductionLogger("codex-helper", level, format, os.Stdout)
}

func buildSink(path string, logger logx.Logger) (*telemetry.Sink, func()) {
	if path == "" {
		return nil, func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("codex-helper: opening request log %s: %v", path, err)
	}
	sink := telemetry.NewSink(f, logger)
	return sink, func() {
		sink.Close()
		_ = f.Close()
	}
}

func buildRetryTraceSink(path string, logger logx.Logger) (*telemetry.RetryTraceSink, func()) {
	if path == "" {
		return nil, func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("codex-helper: opening retry trace log %s: %v", path, err)
	}
	sink := telemetry.NewRetryTraceSink(f, logger)
	return sink, func() {
		sink.Close()
		_ = f.Close()
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
