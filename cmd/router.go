package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/backend"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy/store"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy/wire"
)

type backendStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Healthy   bool   `json:"healthy"`
	Available bool   `json:"available"`
}

func setupAdminRouter(policies *store.Store, backends *backend.Registry, registry *prometheus.Registry, log *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /backends", func(w http.ResponseWriter, r *http.Request) {
		var statuses []backendStatus
		for ref, b := range backends.All() {
			statuses = append(statuses, backendStatus{
				Name:      string(ref),
				URL:       b.URL().String(),
				Healthy:   b.IsHealthy(),
				Available: backends.Available(ref),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statuses)
	})

	mux.HandleFunc("PUT /policies/{destination}", func(w http.ResponseWriter, r *http.Request) {
		dst := r.PathValue("destination")

		var doc wire.Policy
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, "invalid policy document", http.StatusBadRequest)
			return
		}

		p, err := doc.Build()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := policies.Put(dst, p); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		log.Info("Policy updated", slog.String("destination", dst))
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}
