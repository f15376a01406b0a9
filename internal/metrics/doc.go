// Package metrics records stream-level latency histograms for proxied
// HTTP traffic. It provides two http.RoundTripper middlewares: one that
// measures request duration (from request dispatch until the response
// stream completes) and one that measures response duration (from the
// end of the request stream until the response stream completes).
//
// Observations are labeled by a caller-supplied StreamLabeler, which
// also decides whether a given stream is recorded at all.
package metrics
