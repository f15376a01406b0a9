package policy_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

func TestPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Policy Suite")
}

func helloRoute(dst policy.BackendRef) policy.HTTPRoute {
	return policy.HTTPRoute{
		Metadata: policy.RouteMetadata{
			Group:     "gateway.networking.k8s.io",
			Kind:      "HTTPRoute",
			Name:      "hello",
			Namespace: "test",
		},
		Rules: []policy.Rule{{
			Backends: policy.FirstAvailable{
				Backends: []policy.WeightedBackend{{Ref: dst, Weight: 1}},
			},
		}},
	}
}

var _ = Describe("Validate", func() {
	var p policy.ClientPolicy

	BeforeEach(func() {
		routes := []policy.HTTPRoute{helloRoute("world.test.svc.cluster.local:8080")}
		p = policy.ClientPolicy{
			Protocol: policy.Detect{
				Timeout:     10 * time.Second,
				HTTP1Routes: routes,
				HTTP2Routes: routes,
			},
		}
	})

	Context("with a well-formed snapshot", func() {
		It("should accept a detect policy", func() {
			Expect(p.Validate()).To(Succeed())
		})

		It("should accept fixed-protocol policies", func() {
			routes := []policy.HTTPRoute{helloRoute("world.test.svc.cluster.local:8080")}
			Expect(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: routes}}.Validate()).To(Succeed())
			Expect(policy.ClientPolicy{Protocol: policy.HTTP2{Routes: routes}}.Validate()).To(Succeed())
		})

		It("should accept an empty rule list on a named route", func() {
			empty := policy.HTTPRoute{
				Metadata: policy.RouteMetadata{Kind: "HTTPRoute", Name: "empty", Namespace: "test"},
			}
			p = policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{empty}}}
			Expect(p.Validate()).To(Succeed())
		})

		It("should accept an empty match-set entry", func() {
			// An empty entry constrains nothing and matches every request.
			route := helloRoute("world.test.svc.cluster.local:8080")
			route.Rules[0].Matches = []policy.MatchSet{{}}
			p = policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}}
			Expect(p.Validate()).To(Succeed())
		})

		It("should accept header match predicates", func() {
			rm, err := policy.NewRegexMatch("sf|san francisco")
			Expect(err).NotTo(HaveOccurred())

			route := helloRoute("sf.test.svc.cluster.local:8080")
			route.Rules[0].Matches = []policy.MatchSet{{
				Headers: []policy.HeaderMatch{
					{Name: "x-hello-city", Value: rm},
					{Name: "x-trace-id", Value: &policy.PresentMatch{}},
					{Name: "x-variant", Value: &policy.ExactMatch{Value: []byte("austin")}},
				},
			}}
			p = policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}}
			Expect(p.Validate()).To(Succeed())
		})
	})

	Context("with malformed documents", func() {
		assertMalformed := func(p policy.ClientPolicy) {
			GinkgoHelper()
			err := p.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err).To(MatchError(policy.ErrMalformedPolicy))
		}

		It("should reject a missing protocol", func() {
			assertMalformed(policy.ClientPolicy{})
		})

		It("should reject a negative detect timeout", func() {
			p = policy.ClientPolicy{Protocol: policy.Detect{Timeout: -time.Second}}
			assertMalformed(p)
		})

		It("should reject a rule without a distribution", func() {
			route := policy.HTTPRoute{Rules: []policy.Rule{{}}}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})

		It("should reject an empty backend list", func() {
			route := helloRoute("dst:80")
			route.Rules[0].Backends = policy.FirstAvailable{}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})

		It("should reject a zero weight in a weighted distribution", func() {
			route := helloRoute("dst:80")
			route.Rules[0].Backends = policy.RandomAvailable{
				Backends: []policy.WeightedBackend{{Ref: "dst:80", Weight: 0}},
			}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})

		It("should reject a header match without a name", func() {
			route := helloRoute("dst:80")
			route.Rules[0].Matches = []policy.MatchSet{{
				Headers: []policy.HeaderMatch{{Name: "", Value: &policy.PresentMatch{}}},
			}}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})

		It("should reject an invalid header regex", func() {
			route := helloRoute("dst:80")
			route.Rules[0].Matches = []policy.MatchSet{{
				Headers: []policy.HeaderMatch{{Name: "x-hello-city", Value: &policy.RegexMatch{Pattern: "("}}},
			}}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})

		It("should reject a relative path match", func() {
			route := helloRoute("dst:80")
			route.Rules[0].Matches = []policy.MatchSet{{
				Path: &policy.PathMatch{Kind: policy.PathMatchPrefix, Value: "api"},
			}}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})

		It("should reject an invalid host pattern", func() {
			route := helloRoute("dst:80")
			route.Hosts = []*policy.HostPattern{{Value: "[invalid"}}
			assertMalformed(policy.ClientPolicy{Protocol: policy.HTTP1{Routes: []policy.HTTPRoute{route}}})
		})
	})
})

var _ = Describe("Default", func() {
	It("should detect and fall through to the destination", func() {
		p := policy.Default("world.test.svc.cluster.local:8080")
		Expect(p.Validate()).To(Succeed())

		detect, ok := p.Protocol.(policy.Detect)
		Expect(ok).To(BeTrue())
		Expect(detect.Timeout).To(Equal(policy.DefaultDetectTimeout))
		Expect(detect.HTTP1Routes).To(HaveLen(1))
		Expect(detect.HTTP1Routes[0].Rules[0].Matches).To(BeEmpty())
	})
})

var _ = Describe("NewRegexMatch", func() {
	It("should anchor the pattern to the whole value", func() {
		rm, err := policy.NewRegexMatch("sf|san francisco")
		Expect(err).NotTo(HaveOccurred())

		re, err := rm.Regexp()
		Expect(err).NotTo(HaveOccurred())
		Expect(re.MatchString("sf")).To(BeTrue())
		Expect(re.MatchString("san francisco")).To(BeTrue())
		Expect(re.MatchString("sfo")).To(BeFalse(), "substring matches must not count")
		Expect(re.MatchString("paris")).To(BeFalse())
	})

	It("should reject invalid patterns", func() {
		_, err := policy.NewRegexMatch("(")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("NewHostPattern", func() {
	It("should compile once and match case-insensitively", func() {
		hp, err := policy.NewHostPattern("*.Example.COM")
		Expect(err).NotTo(HaveOccurred())

		g, err := hp.Glob()
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Match("api.example.com")).To(BeTrue())
		Expect(g.Match("example.org")).To(BeFalse())

		// Later lookups reuse the compiled form rather than recompiling.
		hp.Value = "[invalid"
		again, err := hp.Glob()
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Match("api.example.com")).To(BeTrue())
	})

	It("should reject invalid patterns", func() {
		_, err := policy.NewHostPattern("[invalid")
		Expect(err).To(HaveOccurred())
	})
})
