package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/backend"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/detect"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/distribution"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy/store"
)

// Fallback selects what happens to a connection whose protocol could
// not be detected within the policy's budget.
type Fallback string

const (
	// FallbackDrop closes undetected connections.
	FallbackDrop Fallback = "drop"

	// FallbackPassthrough forwards undetected connections to their
	// original destination as opaque TCP.
	FallbackPassthrough Fallback = "passthrough"
)

// Outbound proxies client connections according to per-destination
// client policy.
type Outbound struct {
	logger   *slog.Logger
	store    *store.Store
	backends *backend.Registry
	resolver *distribution.Resolver
	fallback Fallback
	h2       *http2.Server
}

func NewOutbound(
	logger *slog.Logger,
	policies *store.Store,
	backends *backend.Registry,
	resolver *distribution.Resolver,
	fallback Fallback,
) *Outbound {
	return &Outbound{
		logger:   logger,
		store:    policies,
		backends: backends,
		resolver: resolver,
		fallback: fallback,
		h2:       &http2.Server{},
	}
}

// Serve accepts connections from ln until ctx is cancelled, handling
// each as if it were addressed to dst. It waits for in-flight
// connections before returning.
func (o *Outbound) Serve(ctx context.Context, ln net.Listener, dst string) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.HandleConn(ctx, conn, dst)
		}()
	}
}

// HandleConn serves one client connection addressed to dst. It closes
// the connection when it returns.
func (o *Outbound) HandleConn(ctx context.Context, conn net.Conn, dst string) {
	defer conn.Close()

	watch := o.store.Get(dst)
	snapshot, _ := watch.Current()

	var (
		proto  policy.Protocol
		served net.Conn = conn
	)

	switch pp := snapshot.Protocol.(type) {
	case policy.HTTP1:
		proto = policy.ProtocolHTTP1

	case policy.HTTP2:
		proto = policy.ProtocolHTTP2

	case policy.Detect:
		detected, prefix, err := detect.Detect(ctx, conn, pp.Timeout)
		switch {
		case errors.Is(err, detect.ErrDetectionTimeout):
			o.logger.Info("Protocol detection timed out",
				slog.String("destination", dst),
				slog.String("fallback", string(o.fallback)))
			o.fallbackConn(ctx, detect.NewPrefixedConn(conn, prefix), dst)
			return
		case err != nil:
			o.logger.Debug("Connection ended during detection",
				slog.String("destination", dst),
				slog.String("error", err.Error()))
			return
		}
		proto = detected
		served = detect.NewPrefixedConn(conn, prefix)

	default:
		o.logger.Error("Policy carries no protocol",
			slog.String("destination", dst))
		return
	}

	o.logger.Debug("Serving connection",
		slog.String("destination", dst),
		slog.String("protocol", proto.String()))

	h := &httpHandler{outbound: o, watch: watch, proto: proto}
	if proto == policy.ProtocolHTTP2 {
		o.h2.ServeConn(served, &http2.ServeConnOpts{
			Context: ctx,
			Handler: h,
		})
		return
	}
	o.serveHTTP1(ctx, served, h)
}

// serveHTTP1 runs a throwaway HTTP/1 server over a single connection.
// Serve does not wait for the connections it spawned, so the listener
// holds its second Accept open until the connection is closed.
func (o *Outbound) serveHTTP1(ctx context.Context, conn net.Conn, h http.Handler) {
	srv := &http.Server{
		Handler:  h,
		ErrorLog: slog.NewLogLogger(o.logger.Handler(), slog.LevelDebug),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	_ = srv.Serve(newOneConnListener(conn))
}

// fallbackConn handles a connection whose protocol stayed undetected.
// Under FallbackDrop the deferred close in HandleConn terminates it;
// under FallbackPassthrough it is spliced to the original destination.
func (o *Outbound) fallbackConn(ctx context.Context, conn net.Conn, dst string) {
	if o.fallback != FallbackPassthrough {
		return
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	upstream, err := dialer.DialContext(ctx, "tcp", dst)
	if err != nil {
		o.logger.Warn("Opaque forwarding failed",
			slog.String("destination", dst),
			slog.String("error", err.Error()))
		return
	}
	defer upstream.Close()

	o.logger.Info("Forwarding opaque connection",
		slog.String("destination", dst))
	splice(conn, upstream)
}

func splice(client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyHalf(upstream, client)
	go copyHalf(client, upstream)
	<-done
	<-done
}

// oneConnListener yields a single connection. Because http.Server.Serve
// returns on the first Accept error without waiting for the per-connection
// goroutine, the second Accept blocks until the served connection has been
// closed; only then does it report the listener closed.
type oneConnListener struct {
	mu   sync.Mutex
	conn net.Conn
	done chan struct{}
	addr net.Addr
}

func newOneConnListener(conn net.Conn) *oneConnListener {
	l := &oneConnListener{done: make(chan struct{}), addr: conn.LocalAddr()}
	l.conn = &notifyConn{Conn: conn, done: l.done}
	return l
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *oneConnListener) Close() error   { return nil }
func (l *oneConnListener) Addr() net.Addr { return l.addr }

// notifyConn signals done once on Close so the listener knows the HTTP
// server is finished with the connection.
type notifyConn struct {
	net.Conn
	once sync.Once
	done chan struct{}
}

func (c *notifyConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}
