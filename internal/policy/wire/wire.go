// Package wire defines the external schema for client policies as they
// appear in configuration files and on the admin API, and translates
// them into the in-memory policy model.
package wire

import (
	"fmt"
	"time"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// Policy is one destination's client policy as written by an operator.
type Policy struct {
	// Protocol is one of "detect", "http1" or "http2".
	Protocol string `json:"protocol" mapstructure:"protocol"`

	// DetectTimeout bounds protocol detection, e.g. "10s". Only
	// meaningful for detect policies; empty means the default.
	DetectTimeout string `json:"detect_timeout" mapstructure:"detect_timeout"`

	HTTP1Routes []Route `json:"http1_routes" mapstructure:"http1_routes"`
	HTTP2Routes []Route `json:"http2_routes" mapstructure:"http2_routes"`
}

type Route struct {
	Name  string   `json:"name" mapstructure:"name"`
	Hosts []string `json:"hosts" mapstructure:"hosts"`
	Rules []Rule   `json:"rules" mapstructure:"rules"`
}

type Rule struct {
	Matches  []Match  `json:"matches" mapstructure:"matches"`
	Filters  []Filter `json:"filters" mapstructure:"filters"`
	Backends Backends `json:"backends" mapstructure:"backends"`
}

type Match struct {
	Method  string        `json:"method" mapstructure:"method"`
	Path    *PathMatch    `json:"path" mapstructure:"path"`
	Headers []HeaderMatch `json:"headers" mapstructure:"headers"`
}

type PathMatch struct {
	// Kind is one of "exact", "prefix" or "regex".
	Kind  string `json:"kind" mapstructure:"kind"`
	Value string `json:"value" mapstructure:"value"`
}

type HeaderMatch struct {
	Name string `json:"name" mapstructure:"name"`

	// Kind is one of "exact", "regex" or "present".
	Kind  string `json:"kind" mapstructure:"kind"`
	Value string `json:"value" mapstructure:"value"`
}

type Filter struct {
	SetHeaders    map[string]string `json:"set_headers" mapstructure:"set_headers"`
	AddHeaders    map[string]string `json:"add_headers" mapstructure:"add_headers"`
	RemoveHeaders []string          `json:"remove_headers" mapstructure:"remove_headers"`
}

type Backends struct {
	// Kind is "first_available" or "random_available".
	Kind     string    `json:"kind" mapstructure:"kind"`
	Backends []Backend `json:"backends" mapstructure:"backends"`
}

type Backend struct {
	Name   string `json:"name" mapstructure:"name"`
	Weight uint32 `json:"weight" mapstructure:"weight"`
}

// Build translates the document into the policy model. Structural
// problems the schema itself can express are reported here; semantic
// validation happens when the policy is published to the store.
func (p Policy) Build() (policy.ClientPolicy, error) {
	http1, err := buildRoutes(p.HTTP1Routes)
	if err != nil {
		return policy.ClientPolicy{}, err
	}
	http2, err := buildRoutes(p.HTTP2Routes)
	if err != nil {
		return policy.ClientPolicy{}, err
	}

	switch p.Protocol {
	case "http1":
		if len(p.HTTP2Routes) > 0 {
			return policy.ClientPolicy{}, fmt.Errorf("http1 policy cannot carry http2_routes")
		}
		return policy.ClientPolicy{Protocol: policy.HTTP1{Routes: http1}}, nil

	case "http2":
		if len(p.HTTP1Routes) > 0 {
			return policy.ClientPolicy{}, fmt.Errorf("http2 policy cannot carry http1_routes")
		}
		return policy.ClientPolicy{Protocol: policy.HTTP2{Routes: http2}}, nil

	case "detect":
		timeout := policy.DefaultDetectTimeout
		if p.DetectTimeout != "" {
			timeout, err = time.ParseDuration(p.DetectTimeout)
			if err != nil {
				return policy.ClientPolicy{}, fmt.Errorf("parse detect_timeout: %w", err)
			}
		}
		return policy.ClientPolicy{Protocol: policy.Detect{
			Timeout:     timeout,
			HTTP1Routes: http1,
			HTTP2Routes: http2,
		}}, nil

	default:
		return policy.ClientPolicy{}, fmt.Errorf("unknown protocol %q", p.Protocol)
	}
}

func buildRoutes(routes []Route) ([]policy.HTTPRoute, error) {
	if len(routes) == 0 {
		return nil, nil
	}

	out := make([]policy.HTTPRoute, 0, len(routes))
	for _, r := range routes {
		rules, err := buildRules(r.Rules)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Name, err)
		}
		hosts := make([]*policy.HostPattern, 0, len(r.Hosts))
		for _, h := range r.Hosts {
			hosts = append(hosts, &policy.HostPattern{Value: h})
		}
		out = append(out, policy.HTTPRoute{
			Metadata: policy.RouteMetadata{Kind: "HTTPRoute", Name: r.Name},
			Hosts:    hosts,
			Rules:    rules,
		})
	}
	return out, nil
}

func buildRules(rules []Rule) ([]policy.Rule, error) {
	out := make([]policy.Rule, 0, len(rules))
	for i, r := range rules {
		matches, err := buildMatches(r.Matches)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		dist, err := buildDistribution(r.Backends)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, policy.Rule{
			Matches:  matches,
			Filters:  buildFilters(r.Filters),
			Backends: dist,
		})
	}
	return out, nil
}

func buildMatches(matches []Match) ([]policy.MatchSet, error) {
	if len(matches) == 0 {
		return nil, nil
	}

	out := make([]policy.MatchSet, 0, len(matches))
	for _, m := range matches {
		ms := policy.MatchSet{Method: m.Method}

		if m.Path != nil {
			kind, err := pathKind(m.Path.Kind)
			if err != nil {
				return nil, err
			}
			ms.Path = &policy.PathMatch{Kind: kind, Value: m.Path.Value}
		}

		for _, h := range m.Headers {
			value, err := headerValue(h)
			if err != nil {
				return nil, err
			}
			ms.Headers = append(ms.Headers, policy.HeaderMatch{
				Name:  h.Name,
				Value: value,
			})
		}

		out = append(out, ms)
	}
	return out, nil
}

func pathKind(kind string) (policy.PathMatchKind, error) {
	switch kind {
	case "exact":
		return policy.PathMatchExact, nil
	case "prefix":
		return policy.PathMatchPrefix, nil
	case "regex":
		return policy.PathMatchRegex, nil
	default:
		return "", fmt.Errorf("unknown path match kind %q", kind)
	}
}

func headerValue(h HeaderMatch) (policy.HeaderValueMatch, error) {
	switch h.Kind {
	case "exact":
		return &policy.ExactMatch{Value: []byte(h.Value)}, nil
	case "regex":
		return &policy.RegexMatch{Pattern: h.Value}, nil
	case "present":
		return &policy.PresentMatch{}, nil
	default:
		return nil, fmt.Errorf("header %q: unknown match kind %q", h.Name, h.Kind)
	}
}

func buildFilters(filters []Filter) []policy.Filter {
	if len(filters) == 0 {
		return nil
	}

	out := make([]policy.Filter, 0, len(filters))
	for _, f := range filters {
		out = append(out, &policy.RequestHeaderModifier{
			Set:    f.SetHeaders,
			Add:    f.AddHeaders,
			Remove: f.RemoveHeaders,
		})
	}
	return out
}

func buildDistribution(b Backends) (policy.Distribution, error) {
	backends := make([]policy.WeightedBackend, 0, len(b.Backends))
	for _, wb := range b.Backends {
		weight := wb.Weight
		if weight == 0 {
			weight = 1
		}
		backends = append(backends, policy.WeightedBackend{
			Ref:    policy.BackendRef(wb.Name),
			Weight: weight,
		})
	}

	switch b.Kind {
	case "", "first_available":
		return policy.FirstAvailable{Backends: backends}, nil
	case "random_available":
		return policy.RandomAvailable{Backends: backends}, nil
	default:
		return nil, fmt.Errorf("unknown distribution kind %q", b.Kind)
	}
}
