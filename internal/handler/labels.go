package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/metrics"
)

// StreamLabelNames are the label names the outbound duration families
// must be registered with.
var StreamLabelNames = []string{"route", "backend", "outcome"}

type streamInfoKey struct{}

type streamInfo struct {
	route   string
	backend string
}

func withStreamInfo(ctx context.Context, info streamInfo) context.Context {
	return context.WithValue(ctx, streamInfoKey{}, info)
}

// Labeler labels proxied streams with the route and backend the
// outbound handler selected for them. Requests that did not pass
// through the handler carry no stream info and are not recorded.
type Labeler struct{}

func (Labeler) LabelStream(req *http.Request) metrics.StreamLabel {
	info, ok := req.Context().Value(streamInfoKey{}).(streamInfo)
	if !ok {
		return nil
	}
	return &streamLabel{info: info}
}

type streamLabel struct {
	info       streamInfo
	statusCode int
}

func (l *streamLabel) InitResponse(rsp *http.Response) {
	l.statusCode = rsp.StatusCode
}

func (l *streamLabel) EndResponse(trailers http.Header, err error) prometheus.Labels {
	outcome := "success"
	switch {
	case errors.Is(err, metrics.ErrRequestCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}

	return prometheus.Labels{
		"route":   l.info.route,
		"backend": l.info.backend,
		"outcome": outcome,
	}
}
