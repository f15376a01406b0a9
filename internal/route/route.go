// Package route evaluates a policy snapshot's ordered routing rules against
// an inbound request and selects exactly one rule.
//
// Matching is a pure function of the route table and the request
// attributes: no hidden state, no randomness, no I/O. Route tables are
// flattened into one order-preserving rule sequence after host filtering;
// the first satisfied rule wins and there is no backtracking.
package route

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// ErrNoRouteMatched reports that no rule's match-set was satisfied. Callers
// typically map this to a "not found" response rather than a transport
// failure.
var ErrNoRouteMatched = errors.New("no route matched the request")

// Request carries the observable attributes matching operates on.
type Request struct {
	Method    string
	Path      string
	Authority string
	Headers   http.Header
}

// Match is a selected rule plus the metadata of the route that carried it.
type Match struct {
	Route    policy.RouteMetadata
	Rule     policy.Rule
	Backends policy.Distribution
}

// Resolve selects the first rule of the snapshot's route table for proto
// that matches req.
func Resolve(p policy.ClientPolicy, proto policy.Protocol, req Request) (Match, error) {
	routes, err := Table(p, proto)
	if err != nil {
		return Match{}, err
	}

	host := hostOnly(req.Authority)
	for _, route := range routes {
		if !hostMatches(route.Hosts, host) {
			continue
		}
		for _, rule := range route.Rules {
			if ruleMatches(rule, req) {
				return Match{
					Route:    route.Metadata,
					Rule:     rule,
					Backends: rule.Backends,
				}, nil
			}
		}
	}
	return Match{}, ErrNoRouteMatched
}

// Table returns the route table the snapshot binds to proto. Fixed-protocol
// policies carry a single table and bind to it regardless of the hint.
func Table(p policy.ClientPolicy, proto policy.Protocol) ([]policy.HTTPRoute, error) {
	switch pp := p.Protocol.(type) {
	case policy.Detect:
		switch proto {
		case policy.ProtocolHTTP1:
			return pp.HTTP1Routes, nil
		case policy.ProtocolHTTP2:
			return pp.HTTP2Routes, nil
		default:
			return nil, fmt.Errorf("no route table for protocol %s", proto)
		}
	case policy.HTTP1:
		return pp.Routes, nil
	case policy.HTTP2:
		return pp.Routes, nil
	default:
		return nil, fmt.Errorf("no route table in policy %T", pp)
	}
}

// hostMatches reports whether any pattern matches the request host. An
// empty pattern list matches any authority.
func hostMatches(patterns []*policy.HostPattern, host string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		g, err := pattern.Glob()
		if err != nil {
			// Validation rejects uncompilable patterns; skip rather than
			// guess at matching behavior.
			continue
		}
		if g.Match(host) {
			return true
		}
	}
	return false
}

// ruleMatches applies OR semantics across the rule's match-sets. A rule
// with no match-sets matches unconditionally.
func ruleMatches(rule policy.Rule, req Request) bool {
	if len(rule.Matches) == 0 {
		return true
	}
	for _, ms := range rule.Matches {
		if matchSetMatches(ms, req) {
			return true
		}
	}
	return false
}

// matchSetMatches applies AND semantics across a match-set's predicates.
// An empty match-set matches unconditionally.
func matchSetMatches(ms policy.MatchSet, req Request) bool {
	if ms.Method != "" && ms.Method != req.Method {
		return false
	}
	if ms.Path != nil && !pathMatches(ms.Path, req.Path) {
		return false
	}
	for _, hm := range ms.Headers {
		if !headerMatches(hm, req.Headers) {
			return false
		}
	}
	return true
}

func headerMatches(hm policy.HeaderMatch, headers http.Header) bool {
	values := headers.Values(hm.Name)
	if len(values) == 0 {
		// A predicate referencing a missing header is false, not an error.
		return false
	}
	value := values[0]

	switch m := hm.Value.(type) {
	case nil, *policy.PresentMatch:
		return true
	case *policy.ExactMatch:
		return bytes.Equal([]byte(value), m.Value)
	case *policy.RegexMatch:
		if !utf8.ValidString(value) {
			return false
		}
		re, err := m.Regexp()
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return false
	}
}

func pathMatches(pm *policy.PathMatch, path string) bool {
	switch pm.Kind {
	case policy.PathMatchExact:
		return path == pm.Value
	case policy.PathMatchPrefix:
		return pathPrefixMatch(path, pm.Value)
	case policy.PathMatchRegex:
		re, err := pm.Regexp()
		if err != nil {
			return false
		}
		return re.MatchString(path)
	default:
		return false
	}
}

// pathPrefixMatch treats the prefix as a path-segment prefix, so "/api"
// matches "/api" and "/api/v1" but not "/apiary".
func pathPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func hostOnly(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return strings.ToLower(authority)
	}
	return strings.ToLower(host)
}
