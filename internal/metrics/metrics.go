package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrRequestCancelled marks a stream whose response body was abandoned
// before it completed. It is passed to EndResponse so labelers can
// report a distinct outcome for client-cancelled streams.
var ErrRequestCancelled = errors.New("request was cancelled before the response completed")

// DurationBuckets are the histogram bucket boundaries, in seconds,
// shared by the request and response duration families.
var DurationBuckets = []float64{0.025, 0.1, 0.25, 1.0, 2.5, 10.0, 25.0}

// StreamLabeler decides whether a stream is recorded and, if so,
// tracks the state needed to label its final observation.
type StreamLabeler interface {
	// LabelStream returns the label state for a request, or nil when
	// the stream should not be recorded.
	LabelStream(req *http.Request) StreamLabel
}

// StreamLabel accumulates per-stream state between the response
// headers arriving and the response stream settling.
type StreamLabel interface {
	// InitResponse is called once when response headers are available.
	InitResponse(rsp *http.Response)

	// EndResponse produces the final label set once the stream has
	// settled. Trailers carry any trailer headers read at end of
	// stream. err is non-nil when the stream failed, including
	// ErrRequestCancelled when the body was dropped early. A nil
	// return suppresses the observation.
	EndResponse(trailers http.Header, err error) prometheus.Labels
}

// DurationFamily is a labeled histogram of stream durations.
type DurationFamily struct {
	vec *prometheus.HistogramVec
}

// NewRequestDurationFamily registers a request duration histogram with
// the given label names.
func NewRequestDurationFamily(reg prometheus.Registerer, labelNames ...string) (*DurationFamily, error) {
	return newDurationFamily(reg, "request_duration_seconds",
		"Time from request dispatch until the response stream completed.",
		labelNames)
}

// NewResponseDurationFamily registers a response duration histogram
// with the given label names.
func NewResponseDurationFamily(reg prometheus.Registerer, labelNames ...string) (*DurationFamily, error) {
	return newDurationFamily(reg, "response_duration_seconds",
		"Time from the end of the request stream until the response stream completed.",
		labelNames)
}

func newDurationFamily(reg prometheus.Registerer, name, help string, labelNames []string) (*DurationFamily, error) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: DurationBuckets,
	}, labelNames)

	if err := reg.Register(vec); err != nil {
		return nil, err
	}

	return &DurationFamily{vec: vec}, nil
}

// Observe records a single duration against the given label values.
// Observations with label sets the family was not registered for are
// dropped rather than panicking in the request path.
func (f *DurationFamily) Observe(labels prometheus.Labels, elapsed time.Duration) {
	h, err := f.vec.GetMetricWith(labels)
	if err != nil {
		return
	}
	h.Observe(elapsed.Seconds())
}
