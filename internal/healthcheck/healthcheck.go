package healthcheck

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/backend"
)

// HealthCheck periodically checks if a backend is healthy by sending
// HTTP GET requests to its health endpoint. The backend's health status
// is updated based on the response, which the availability oracle reads
// on the next selection.
func HealthCheck(
	ctx context.Context,
	b *backend.Backend,
	interval time.Duration,
	path string,
	logger *slog.Logger,
) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("backend", b.URL().String()))
			return

		case <-ticker.C:
			healthURL := b.URL().ResolveReference(&url.URL{Path: path})

			req, err := http.NewRequestWithContext(
				ctx, http.MethodGet, healthURL.String(), nil)
			if err != nil {
				continue
			}

			res, err := client.Do(req)
			if err != nil {
				b.SetHealthy(false)
				continue
			}
			res.Body.Close()

			healthy := res.StatusCode == http.StatusOK
			changed := b.SetHealthy(healthy)

			if changed {
				if healthy {
					logger.Info("Backend is back up",
						slog.String("backend", b.URL().String()))
				} else {
					logger.Warn("Backend is down",
						slog.String("backend", b.URL().String()))
				}
			}
		}
	}
}
