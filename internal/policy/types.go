package policy

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Protocol identifies which HTTP version a connection carries.
type Protocol int

const (
	ProtocolHTTP1 Protocol = iota + 1
	ProtocolHTTP2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http/1"
	case ProtocolHTTP2:
		return "http/2"
	default:
		return "unknown"
	}
}

// BackendRef is the logical address of a destination service,
// e.g. "hello.test.svc.cluster.local:8080".
type BackendRef string

// ClientPolicy is the routing configuration for one destination address at
// one instant. Exactly one ProxyProtocol is active per snapshot.
type ClientPolicy struct {
	Protocol ProxyProtocol
}

// ProxyProtocol is a closed union of protocol configurations. The concrete
// types are Detect, HTTP1 and HTTP2.
type ProxyProtocol interface {
	proxyProtocol()
}

// Detect sniffs the protocol version from the byte stream within Timeout,
// then activates the route table for the detected version.
type Detect struct {
	Timeout     time.Duration
	HTTP1Routes []HTTPRoute
	HTTP2Routes []HTTPRoute
}

// HTTP1 binds the connection to an HTTP/1 route table without detection.
type HTTP1 struct {
	Routes []HTTPRoute
}

// HTTP2 binds the connection to an HTTP/2 route table without detection.
type HTTP2 struct {
	Routes []HTTPRoute
}

func (Detect) proxyProtocol() {}
func (HTTP1) proxyProtocol()  {}
func (HTTP2) proxyProtocol()  {}

// RouteMetadata is an opaque resource reference used for attribution and
// logging only, never for matching.
type RouteMetadata struct {
	Group     string
	Kind      string
	Name      string
	Namespace string
	Section   string
}

// HTTPRoute is one entry-group of a route table. An empty Hosts list matches
// any authority. Host patterns may contain glob wildcards ("*.example.com").
type HTTPRoute struct {
	Metadata RouteMetadata
	Hosts    []*HostPattern
	Rules    []Rule
}

// HostPattern is a glob predicate over a request authority's host. The
// compiled form is produced by NewHostPattern or during validation, so
// matching never recompiles.
type HostPattern struct {
	Value string

	compileOnce sync.Once
	g           glob.Glob
	compileErr  error
}

// NewHostPattern compiles pattern as a case-insensitive host glob.
func NewHostPattern(pattern string) (*HostPattern, error) {
	h := &HostPattern{Value: pattern}
	if _, err := h.Glob(); err != nil {
		return nil, err
	}
	return h, nil
}

// Glob returns the compiled pattern, compiling on first use if the value
// was constructed literally rather than through NewHostPattern.
func (h *HostPattern) Glob() (glob.Glob, error) {
	h.compileOnce.Do(func() {
		h.g, h.compileErr = glob.Compile(strings.ToLower(h.Value))
	})
	return h.g, h.compileErr
}

// Rule pairs an ordered list of match-sets with a backend distribution.
// A rule with no match-sets matches unconditionally; the match-sets are
// OR'd, so the rule matches as soon as any one of them does.
type Rule struct {
	Matches  []MatchSet
	Filters  []Filter
	Backends Distribution
}

// MatchSet is a conjunction of predicates over a request's headers, path
// and method. A MatchSet with no predicates matches unconditionally.
type MatchSet struct {
	Headers []HeaderMatch
	Path    *PathMatch
	Method  string
}

// HeaderMatch is a predicate over one header. A nil Value means the header
// only has to be present.
type HeaderMatch struct {
	Name  string
	Value HeaderValueMatch
}

// HeaderValueMatch is a closed union over header-value predicates. The
// concrete types are *ExactMatch, *RegexMatch and *PresentMatch.
type HeaderValueMatch interface {
	headerValueMatch()
}

// ExactMatch requires byte-exact equality with the header value.
type ExactMatch struct {
	Value []byte
}

// RegexMatch requires the whole header value to match Pattern. The compiled
// form is produced by NewRegexMatch or during validation.
type RegexMatch struct {
	Pattern string

	compileOnce sync.Once
	re          *regexp.Regexp
	compileErr  error
}

// PresentMatch requires the header to exist with any value.
type PresentMatch struct{}

func (*ExactMatch) headerValueMatch()   {}
func (*RegexMatch) headerValueMatch()   {}
func (*PresentMatch) headerValueMatch() {}

// NewRegexMatch compiles pattern as a full-value match.
func NewRegexMatch(pattern string) (*RegexMatch, error) {
	m := &RegexMatch{Pattern: pattern}
	if _, err := m.Regexp(); err != nil {
		return nil, err
	}
	return m, nil
}

// Regexp returns the compiled pattern, compiling on first use if the value
// was constructed literally rather than through NewRegexMatch.
func (m *RegexMatch) Regexp() (*regexp.Regexp, error) {
	m.compileOnce.Do(func() {
		m.re, m.compileErr = compileAnchored(m.Pattern)
	})
	return m.re, m.compileErr
}

// compileAnchored wraps the pattern so that it must cover the whole value,
// not a substring.
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`\A(?:` + pattern + `)\z`)
}

// PathMatchKind selects how a PathMatch compares against the request path.
type PathMatchKind string

const (
	PathMatchExact  PathMatchKind = "Exact"
	PathMatchPrefix PathMatchKind = "Prefix"
	PathMatchRegex  PathMatchKind = "Regex"
)

// PathMatch is a predicate over the request path.
type PathMatch struct {
	Kind  PathMatchKind
	Value string

	compileOnce sync.Once
	re          *regexp.Regexp
	compileErr  error
}

// Regexp returns the compiled pattern for a regex path match.
func (m *PathMatch) Regexp() (*regexp.Regexp, error) {
	m.compileOnce.Do(func() {
		m.re, m.compileErr = compileAnchored(m.Value)
	})
	return m.re, m.compileErr
}

// Distribution is a closed union of backend-selection strategies. The
// concrete types are FirstAvailable and RandomAvailable.
type Distribution interface {
	distribution()
}

// FirstAvailable scans its backends in list order and selects the first one
// that is currently available. List order is priority order; it never
// balances across the list.
type FirstAvailable struct {
	Backends []WeightedBackend
}

// RandomAvailable selects among currently-available backends with
// probability proportional to weight.
type RandomAvailable struct {
	Backends []WeightedBackend
}

func (FirstAvailable) distribution()  {}
func (RandomAvailable) distribution() {}

// WeightedBackend is a destination reference plus a positive weight. The
// weight is consumed only by weighted strategies.
type WeightedBackend struct {
	Ref    BackendRef
	Weight uint32
}
