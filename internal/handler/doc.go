// Package handler implements the outbound side of the proxy. It accepts
// raw client connections, resolves the destination's client policy,
// detects or assumes the application protocol, and serves each HTTP
// request by routing it to a backend chosen from the matched rule's
// distribution.
package handler
