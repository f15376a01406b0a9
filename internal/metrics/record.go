package metrics

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// oneshot carries a single start timestamp from the request side of a
// stream to its response side. Only the first send is kept.
type oneshot struct {
	once sync.Once
	ch   chan time.Time
}

func newOneshot() *oneshot {
	return &oneshot{ch: make(chan time.Time, 1)}
}

func (o *oneshot) send(t time.Time) {
	o.once.Do(func() { o.ch <- t })
}

// recv returns the start timestamp if one was sent. It never blocks.
func (o *oneshot) recv() (time.Time, bool) {
	select {
	case t := <-o.ch:
		return t, true
	default:
		return time.Time{}, false
	}
}

type requestDuration struct {
	family  *DurationFamily
	labeler StreamLabeler
	next    http.RoundTripper
}

// NewRequestDuration wraps a transport so that each recorded stream
// observes the time from request dispatch until its response stream
// completes.
func NewRequestDuration(family *DurationFamily, labeler StreamLabeler, next http.RoundTripper) http.RoundTripper {
	return &requestDuration{family: family, labeler: labeler, next: next}
}

func (rt *requestDuration) RoundTrip(req *http.Request) (*http.Response, error) {
	label := rt.labeler.LabelStream(req)
	if label == nil {
		return rt.next.RoundTrip(req)
	}

	start := newOneshot()
	start.send(time.Now())

	return dispatch(rt.next, req, rt.family, label, start)
}

type responseDuration struct {
	family  *DurationFamily
	labeler StreamLabeler
	next    http.RoundTripper
}

// NewResponseDuration wraps a transport so that each recorded stream
// observes the time from the end of the request stream until its
// response stream completes. A request with no body starts the clock
// immediately.
func NewResponseDuration(family *DurationFamily, labeler StreamLabeler, next http.RoundTripper) http.RoundTripper {
	return &responseDuration{family: family, labeler: labeler, next: next}
}

func (rt *responseDuration) RoundTrip(req *http.Request) (*http.Response, error) {
	label := rt.labeler.LabelStream(req)
	if label == nil {
		return rt.next.RoundTrip(req)
	}

	start := newOneshot()
	if req.Body == nil || req.Body == http.NoBody {
		start.send(time.Now())
	} else {
		req.Body = &requestBody{rc: req.Body, start: start}
	}

	return dispatch(rt.next, req, rt.family, label, start)
}

// dispatch forwards the request and arranges for exactly one
// observation once the response stream settles, whichever way it ends.
func dispatch(next http.RoundTripper, req *http.Request, family *DurationFamily, label StreamLabel, start *oneshot) (*http.Response, error) {
	rsp, err := next.RoundTrip(req)
	if err != nil {
		finalize(family, label, start, nil, err)
		return nil, err
	}

	label.InitResponse(rsp)

	if rsp.Body == nil || rsp.Body == http.NoBody {
		finalize(family, label, start, rsp.Trailer, nil)
		return rsp, nil
	}

	rsp.Body = &responseBody{
		rc:     rsp.Body,
		rsp:    rsp,
		family: family,
		label:  label,
		start:  start,
	}
	return rsp, nil
}

// finalize observes one stream's duration. If the start signal never
// fired the elapsed time is reported as zero.
func finalize(family *DurationFamily, label StreamLabel, start *oneshot, trailers http.Header, err error) {
	var elapsed time.Duration
	if t, ok := start.recv(); ok {
		elapsed = time.Since(t)
	}

	if labels := label.EndResponse(trailers, err); labels != nil {
		family.Observe(labels, elapsed)
	}
}

// requestBody fires the start signal when the request stream ends,
// whether by EOF, a read error, or the transport closing the body.
type requestBody struct {
	rc    io.ReadCloser
	start *oneshot
}

func (b *requestBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil {
		b.start.send(time.Now())
	}
	return n, err
}

func (b *requestBody) Close() error {
	b.start.send(time.Now())
	return b.rc.Close()
}

// responseBody finalizes the stream exactly once: on EOF with the
// response trailers, on a read error with that error, or on an early
// Close as a cancellation.
type responseBody struct {
	rc     io.ReadCloser
	rsp    *http.Response
	family *DurationFamily
	label  StreamLabel
	start  *oneshot
	done   sync.Once
	eof    bool
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	switch {
	case errors.Is(err, io.EOF):
		// Trailers are populated by the transport once the body has
		// been fully consumed.
		b.eof = true
		b.finalize(b.rsp.Trailer, nil)
	case err != nil:
		b.finalize(nil, err)
	}
	return n, err
}

func (b *responseBody) Close() error {
	err := b.rc.Close()
	if !b.eof {
		b.finalize(nil, ErrRequestCancelled)
	}
	return err
}

func (b *responseBody) finalize(trailers http.Header, err error) {
	b.done.Do(func() {
		finalize(b.family, b.label, b.start, trailers, err)
	})
}
