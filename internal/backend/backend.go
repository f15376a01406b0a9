package backend

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
)

// Backend represents one concrete destination service with health status
// and connection tracking.
type Backend struct {
	url               *url.URL
	proxy             *httputil.ReverseProxy
	mutex             sync.Mutex
	isHealthy         bool
	activeConnections int
}

// ReverseProxy returns the HTTP reverse proxy for this backend.
func (b *Backend) ReverseProxy() *httputil.ReverseProxy {
	return b.proxy
}

// IncrementConn increments the active connection count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the active connection count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the current number of active connections.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

// URL returns the backend server URL.
func (b *Backend) URL() *url.URL {
	return b.url
}

// IsHealthy returns true if the backend is currently healthy.
func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy updates the backend's health status.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.isHealthy == healthy {
		return false
	}

	b.isHealthy = healthy
	return true
}

// New creates a new Backend proxying to u. A non-nil transport is installed
// on the reverse proxy, which is how the stream metrics recorder wraps the
// exchange. The backend starts in a healthy state.
func New(u *url.URL, transport http.RoundTripper) *Backend {
	proxy := httputil.NewSingleHostReverseProxy(u)
	if transport != nil {
		proxy.Transport = transport
	}
	return &Backend{
		url:       u,
		proxy:     proxy,
		isHealthy: true,
	}
}
