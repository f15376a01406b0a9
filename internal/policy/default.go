package policy

import "time"

// DefaultDetectTimeout is used when a destination has no explicit policy.
const DefaultDetectTimeout = 10 * time.Second

// Default builds the policy used for a destination the control plane has
// said nothing about: detect the protocol, then forward everything to the
// destination itself.
func Default(dst BackendRef) ClientPolicy {
	return DefaultWithTimeout(dst, DefaultDetectTimeout)
}

// DefaultWithTimeout is Default with an explicit detection budget.
func DefaultWithTimeout(dst BackendRef, timeout time.Duration) ClientPolicy {
	routes := []HTTPRoute{DefaultRoute(dst)}
	return ClientPolicy{
		Protocol: Detect{
			Timeout:     timeout,
			HTTP1Routes: routes,
			HTTP2Routes: routes,
		},
	}
}

// DefaultRoute is a catch-all route sending all traffic to dst.
func DefaultRoute(dst BackendRef) HTTPRoute {
	return HTTPRoute{
		Metadata: RouteMetadata{
			Kind: "default",
			Name: "default",
		},
		Rules: []Rule{{
			Backends: FirstAvailable{
				Backends: []WeightedBackend{{Ref: dst, Weight: 1}},
			},
		}},
	}
}
