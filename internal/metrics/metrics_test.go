package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

// recordingLabel captures the arguments of EndResponse and counts how
// many times it fired.
type recordingLabel struct {
	statusCode int
	trailers   http.Header
	endErr     error
	endCount   int
}

func (l *recordingLabel) InitResponse(rsp *http.Response) {
	l.statusCode = rsp.StatusCode
}

func (l *recordingLabel) EndResponse(trailers http.Header, err error) prometheus.Labels {
	l.endCount++
	l.trailers = trailers
	l.endErr = err

	outcome := "success"
	switch {
	case errors.Is(err, metrics.ErrRequestCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	return prometheus.Labels{"outcome": outcome}
}

type recordingLabeler struct {
	skip bool
	last *recordingLabel
}

func (l *recordingLabeler) LabelStream(req *http.Request) metrics.StreamLabel {
	if l.skip {
		return nil
	}
	l.last = &recordingLabel{}
	return l.last
}

// staticTransport consumes the request body and serves a canned
// response, mimicking the shape of a real client transport.
type staticTransport struct {
	status   int
	body     string
	trailer  http.Header
	err      error
	sawBody  string
	requests int
}

func (t *staticTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.requests++

	if t.err != nil {
		return nil, t.err
	}

	if req.Body != nil && req.Body != http.NoBody {
		data, _ := io.ReadAll(req.Body)
		t.sawBody = string(data)
		req.Body.Close()
	}

	return &http.Response{
		StatusCode: t.status,
		Body:       io.NopCloser(strings.NewReader(t.body)),
		Trailer:    t.trailer,
	}, nil
}

func sampleCount(reg *prometheus.Registry, name, outcome string) uint64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())

	var total uint64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := outcome == ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					matched = true
				}
			}
			if matched {
				total += m.GetHistogram().GetSampleCount()
			}
		}
	}
	return total
}

var _ = Describe("DurationFamily", func() {
	It("registers under the expected metric names", func() {
		reg := prometheus.NewRegistry()

		_, err := metrics.NewRequestDurationFamily(reg, "outcome")
		Expect(err).NotTo(HaveOccurred())
		_, err = metrics.NewResponseDurationFamily(reg, "outcome")
		Expect(err).NotTo(HaveOccurred())

		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(families).To(BeEmpty(), "no observations yet")
	})

	It("rejects double registration", func() {
		reg := prometheus.NewRegistry()

		_, err := metrics.NewRequestDurationFamily(reg, "outcome")
		Expect(err).NotTo(HaveOccurred())
		_, err = metrics.NewRequestDurationFamily(reg, "outcome")
		Expect(err).To(HaveOccurred())
	})

	It("drops observations with unknown labels instead of panicking", func() {
		reg := prometheus.NewRegistry()
		family, err := metrics.NewRequestDurationFamily(reg, "outcome")
		Expect(err).NotTo(HaveOccurred())

		Expect(func() {
			family.Observe(prometheus.Labels{"bogus": "x"}, 0)
		}).NotTo(Panic())
		Expect(sampleCount(reg, "request_duration_seconds", "")).To(BeZero())
	})
})

var _ = Describe("RequestDuration", func() {
	var (
		reg       *prometheus.Registry
		labeler   *recordingLabeler
		transport *staticTransport
		client    *http.Client
	)

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		labeler = &recordingLabeler{}
		transport = &staticTransport{status: http.StatusOK, body: "hello"}

		family, err := metrics.NewRequestDurationFamily(reg, "outcome")
		Expect(err).NotTo(HaveOccurred())

		client = &http.Client{
			Transport: metrics.NewRequestDuration(family, labeler, transport),
		}
	})

	It("records one success when the body is read to completion", func() {
		rsp, err := client.Get("http://backend.test/")
		Expect(err).NotTo(HaveOccurred())

		data, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("hello"))
		rsp.Body.Close()

		Expect(sampleCount(reg, "request_duration_seconds", "success")).To(Equal(uint64(1)))
		Expect(labeler.last.statusCode).To(Equal(http.StatusOK))
		Expect(labeler.last.endCount).To(Equal(1))
	})

	It("records a cancellation when the body is dropped early", func() {
		rsp, err := client.Get("http://backend.test/")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()

		Expect(sampleCount(reg, "request_duration_seconds", "cancelled")).To(Equal(uint64(1)))
		Expect(labeler.last.endErr).To(MatchError(metrics.ErrRequestCancelled))
	})

	It("records exactly one observation per stream however it settles", func() {
		rsp, err := client.Get("http://backend.test/")
		Expect(err).NotTo(HaveOccurred())

		// Drain, then close twice, then read again. Only the first
		// settling event may count.
		_, err = io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		rsp.Body.Close()
		_, _ = rsp.Body.Read(make([]byte, 1))

		Expect(sampleCount(reg, "request_duration_seconds", "")).To(Equal(uint64(1)))
		Expect(labeler.last.endCount).To(Equal(1))
	})

	It("records an error when the transport fails", func() {
		transport.err = errors.New("connection refused")

		_, err := client.Get("http://backend.test/")
		Expect(err).To(HaveOccurred())

		Expect(sampleCount(reg, "request_duration_seconds", "error")).To(Equal(uint64(1)))
	})

	It("surfaces response trailers to the labeler at end of stream", func() {
		transport.trailer = http.Header{"Grpc-Status": []string{"0"}}

		rsp, err := client.Get("http://backend.test/")
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()

		Expect(labeler.last.trailers.Get("Grpc-Status")).To(Equal("0"))
	})

	It("skips streams the labeler declines", func() {
		labeler.skip = true

		rsp, err := client.Get("http://backend.test/")
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()

		Expect(transport.requests).To(Equal(1))
		Expect(sampleCount(reg, "request_duration_seconds", "")).To(BeZero())
	})
})

var _ = Describe("ResponseDuration", func() {
	var (
		reg       *prometheus.Registry
		labeler   *recordingLabeler
		transport *staticTransport
		rt        http.RoundTripper
	)

	BeforeEach(func() {
		reg = prometheus.NewRegistry()
		labeler = &recordingLabeler{}
		transport = &staticTransport{status: http.StatusOK, body: "world"}

		family, err := metrics.NewResponseDurationFamily(reg, "outcome")
		Expect(err).NotTo(HaveOccurred())

		rt = metrics.NewResponseDuration(family, labeler, transport)
	})

	It("waits for the request body to be sent before starting the clock", func() {
		req, err := http.NewRequest(http.MethodPost, "http://backend.test/",
			strings.NewReader("payload"))
		Expect(err).NotTo(HaveOccurred())

		rsp, err := rt.RoundTrip(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(transport.sawBody).To(Equal("payload"))

		_, err = io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()

		Expect(sampleCount(reg, "response_duration_seconds", "success")).To(Equal(uint64(1)))
	})

	It("records bodiless requests from the moment they are dispatched", func() {
		req, err := http.NewRequest(http.MethodGet, "http://backend.test/", nil)
		Expect(err).NotTo(HaveOccurred())

		rsp, err := rt.RoundTrip(req)
		Expect(err).NotTo(HaveOccurred())
		_, err = io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()

		Expect(sampleCount(reg, "response_duration_seconds", "success")).To(Equal(uint64(1)))
	})

	It("still records a stream whose request body was never fully sent", func() {
		transport.err = errors.New("reset mid-request")

		req, err := http.NewRequest(http.MethodPost, "http://backend.test/",
			strings.NewReader("partial"))
		Expect(err).NotTo(HaveOccurred())

		_, err = rt.RoundTrip(req)
		Expect(err).To(HaveOccurred())

		Expect(sampleCount(reg, "response_duration_seconds", "error")).To(Equal(uint64(1)))
	})
})
