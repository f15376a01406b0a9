package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/distribution"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/route"
)

// httpHandler serves the requests of one connection. Every request
// re-snapshots the policy watch so in-flight connections pick up
// policy updates on their next request.
type httpHandler struct {
	outbound *Outbound
	watch    *policy.Watch
	proto    policy.Protocol
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o := h.outbound
	snapshot, _ := h.watch.Current()

	match, err := route.Resolve(snapshot, h.proto, route.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Authority: r.Host,
		Headers:   r.Header,
	})
	if err != nil {
		if errors.Is(err, route.ErrNoRouteMatched) {
			o.logger.Info("No route matched",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("authority", r.Host))
			http.Error(w, "no route for request", http.StatusNotFound)
			return
		}
		o.logger.Error("Route resolution failed",
			slog.String("error", err.Error()))
		http.Error(w, "routing failed", http.StatusInternalServerError)
		return
	}

	selected, err := o.resolver.Select(match.Backends, o.backends.Available)
	if err != nil {
		if errors.Is(err, distribution.ErrNoBackendAvailable) {
			o.logger.Warn("No backend available",
				slog.String("route", match.Route.Name),
				slog.String("path", r.URL.Path))
			http.Error(w, "no backend available", http.StatusServiceUnavailable)
			return
		}
		o.logger.Error("Backend selection failed",
			slog.String("error", err.Error()))
		http.Error(w, "backend selection failed", http.StatusInternalServerError)
		return
	}

	b := o.backends.Get(selected.Ref)
	if b == nil {
		o.logger.Error("Selected backend is not registered",
			slog.String("backend", string(selected.Ref)))
		http.Error(w, "no backend available", http.StatusServiceUnavailable)
		return
	}

	for _, f := range match.Rule.Filters {
		f.ApplyRequest(r)
	}

	o.logger.Debug("Forwarding request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("route", match.Route.Name),
		slog.String("backend", string(selected.Ref)))

	r = r.WithContext(withStreamInfo(r.Context(), streamInfo{
		route:   match.Route.Name,
		backend: string(selected.Ref),
	}))

	b.IncrementConn()
	defer b.DecrementConn()

	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	b.ReverseProxy().ServeHTTP(rec, r)

	o.backends.Report(selected.Ref, rec.statusCode < http.StatusInternalServerError)
}
