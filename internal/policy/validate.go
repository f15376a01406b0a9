package policy

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrMalformedPolicy reports a structurally invalid policy document. The
// matcher assumes validated input, so validation failures must be surfaced
// to policy ingestion and never reach routing.
var ErrMalformedPolicy = errors.New("malformed policy")

// Validate checks the structural invariants of the snapshot. It also warms
// the compiled form of every regex predicate so that matching is a pure
// lookup afterwards.
func (p ClientPolicy) Validate() error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPolicy, err)
	}
	return nil
}

func (p ClientPolicy) validate() error {
	switch proto := p.Protocol.(type) {
	case Detect:
		if proto.Timeout < 0 {
			return errors.New("detect timeout must be non-negative")
		}
		if err := validateRoutes(proto.HTTP1Routes); err != nil {
			return fmt.Errorf("http1 routes: %w", err)
		}
		if err := validateRoutes(proto.HTTP2Routes); err != nil {
			return fmt.Errorf("http2 routes: %w", err)
		}
		return nil
	case HTTP1:
		return validateRoutes(proto.Routes)
	case HTTP2:
		return validateRoutes(proto.Routes)
	case nil:
		return errors.New("missing proxy protocol")
	default:
		return fmt.Errorf("unknown proxy protocol %T", proto)
	}
}

func validateRoutes(routes []HTTPRoute) error {
	for i, route := range routes {
		if err := route.validate(); err != nil {
			return fmt.Errorf("route[%d] %s: %w", i, route.Metadata.Name, err)
		}
	}
	return nil
}

func (r HTTPRoute) validate() error {
	for _, host := range r.Hosts {
		if err := validation.Validate(host.Value, validation.Required); err != nil {
			return errors.New("host pattern must not be empty")
		}
		if _, err := host.Glob(); err != nil {
			return fmt.Errorf("host pattern %q: %v", host.Value, err)
		}
	}
	for i, rule := range r.Rules {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("rule[%d]: %w", i, err)
		}
	}
	return nil
}

func (r Rule) validate() error {
	for i, ms := range r.Matches {
		if err := ms.validate(); err != nil {
			return fmt.Errorf("match[%d]: %w", i, err)
		}
	}
	return r.validateBackends()
}

func (ms MatchSet) validate() error {
	for _, hm := range ms.Headers {
		if err := validation.Validate(hm.Name, validation.Required); err != nil {
			return errors.New("header match requires a name")
		}
		if rm, ok := hm.Value.(*RegexMatch); ok {
			if _, err := rm.Regexp(); err != nil {
				return fmt.Errorf("header %q: invalid regex %q", hm.Name, rm.Pattern)
			}
		}
	}
	if pm := ms.Path; pm != nil {
		switch pm.Kind {
		case PathMatchExact, PathMatchPrefix:
			if !strings.HasPrefix(pm.Value, "/") {
				return fmt.Errorf("path match %q must be absolute", pm.Value)
			}
		case PathMatchRegex:
			if _, err := pm.Regexp(); err != nil {
				return fmt.Errorf("invalid path regex %q", pm.Value)
			}
		default:
			return fmt.Errorf("unknown path match kind %q", pm.Kind)
		}
	}
	return nil
}

func (r Rule) validateBackends() error {
	switch dist := r.Backends.(type) {
	case FirstAvailable:
		return validateBackends(dist.Backends, false)
	case RandomAvailable:
		return validateBackends(dist.Backends, true)
	case nil:
		return errors.New("rule has no backend distribution")
	default:
		return fmt.Errorf("unknown distribution %T", dist)
	}
}

func validateBackends(backends []WeightedBackend, weighted bool) error {
	if len(backends) == 0 {
		return errors.New("distribution has no backends")
	}
	for i, wb := range backends {
		if err := validation.Validate(string(wb.Ref), validation.Required); err != nil {
			return fmt.Errorf("backend[%d]: missing destination reference", i)
		}
		if weighted && wb.Weight == 0 {
			return fmt.Errorf("backend[%d] %s: weight must be positive", i, wb.Ref)
		}
	}
	return nil
}
