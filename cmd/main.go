package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Naiiiiixiang/linkerd2-proxy/config"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/backend"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/breaker"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/distribution"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/handler"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/healthcheck"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/httpserver"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/metrics"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy/store"
	"github.com/Naiiiiixiang/linkerd2-proxy/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	transport, err := initializeTransport(registry)
	if err != nil {
		log.Error("Failed to register duration metrics", slog.Any("err", err))
		os.Exit(1)
	}

	backends, err := initializeBackends(ctx, cfg, transport, log)
	if err != nil {
		log.Error("Failed to initialize backends", slog.Any("err", err))
		os.Exit(1)
	}

	policies, err := initializePolicies(cfg, log)
	if err != nil {
		log.Error("Failed to initialize policies", slog.Any("err", err))
		os.Exit(1)
	}

	outbound := handler.NewOutbound(log, policies, backends,
		distribution.NewResolver(), handler.Fallback(cfg.Detect.Fallback))

	admin, err := httpserver.New(cfg.Admin.Address,
		setupAdminRouter(policies, backends, registry, log), log)
	if err != nil {
		log.Error("Failed to create admin server", slog.Any("err", err))
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		log.Error("Failed to listen", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("Proxy listening",
		slog.String("address", cfg.Server.Address),
		slog.String("destination", cfg.Server.Destination),
		slog.String("admin", cfg.Admin.Address))

	errCh := make(chan error, 2)
	go func() {
		errCh <- outbound.Serve(ctx, ln, cfg.Server.Destination)
	}()
	go func() {
		errCh <- admin.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := admin.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-errCh:
		if err != nil {
			log.Error("Proxy failed", slog.Any("err", err))
			os.Exit(1)
		}
	}
}

// initializeTransport chains the stream duration recorders in front of
// the default transport. Every backend proxy shares it so both families
// see every forwarded stream.
func initializeTransport(registry *prometheus.Registry) (http.RoundTripper, error) {
	requestDurations, err := metrics.NewRequestDurationFamily(registry, handler.StreamLabelNames...)
	if err != nil {
		return nil, err
	}

	responseDurations, err := metrics.NewResponseDurationFamily(registry, handler.StreamLabelNames...)
	if err != nil {
		return nil, err
	}

	var rt http.RoundTripper = http.DefaultTransport
	rt = metrics.NewResponseDuration(responseDurations, handler.Labeler{}, rt)
	rt = metrics.NewRequestDuration(requestDurations, handler.Labeler{}, rt)
	return rt, nil
}

func initializeBackends(ctx context.Context, cfg *config.Config, transport http.RoundTripper, log *slog.Logger) (*backend.Registry, error) {
	healthCheckInterval, err := time.ParseDuration(cfg.HealthCheck.Interval)
	if err != nil {
		return nil, err
	}

	breakerReset, err := time.ParseDuration(cfg.Breaker.ResetTimeout)
	if err != nil {
		return nil, err
	}

	registry := backend.NewRegistry(breaker.NewRegistry(cfg.Breaker.Threshold, breakerReset))

	for _, bc := range cfg.Backends {
		u, err := url.Parse(bc.URL)
		if err != nil {
			log.Error("Failed to parse URL",
				slog.String("url", bc.URL),
				slog.String("error", err.Error()))
			continue
		}

		b := backend.New(u, transport)
		registry.Add(policy.BackendRef(bc.Name), b)
		go healthcheck.HealthCheck(ctx, b, healthCheckInterval, cfg.HealthCheck.Path, log)
	}

	return registry, nil
}

func initializePolicies(cfg *config.Config, log *slog.Logger) (*store.Store, error) {
	idleTimeout, err := time.ParseDuration(cfg.PolicyCache.IdleTimeout)
	if err != nil {
		return nil, err
	}
	detectTimeout, err := time.ParseDuration(cfg.Detect.Timeout)
	if err != nil {
		return nil, err
	}

	policies := store.New(cfg.PolicyCache.Size, idleTimeout, detectTimeout, log)

	for _, pc := range cfg.Policies {
		p, err := pc.Policy.Build()
		if err != nil {
			return nil, fmt.Errorf("policy for %s: %w", pc.Destination, err)
		}
		if err := policies.Put(pc.Destination, p); err != nil {
			return nil, fmt.Errorf("policy for %s: %w", pc.Destination, err)
		}
	}

	return policies, nil
}
