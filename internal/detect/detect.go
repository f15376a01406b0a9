// Package detect determines whether a raw connection carries HTTP/1 or
// HTTP/2 by sniffing the first bytes of the stream under a hard deadline.
//
// Detection happens at most once per connection. The bytes consumed while
// sniffing are returned to the caller, which replays them through
// NewPrefixedConn before handing the connection to an HTTP server.
package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/http2"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy"
)

// ErrDetectionTimeout reports that the protocol could not be determined
// within the policy's detection budget. What happens to the connection
// afterwards (drop vs. opaque passthrough) is the caller's decision.
var ErrDetectionTimeout = errors.New("protocol detection timed out")

var h2Preface = []byte(http2.ClientPreface)

// Detect reads from conn until the accumulated bytes identify the protocol,
// the timeout expires, or ctx is cancelled. The timeout is a hard deadline;
// a zero timeout fails immediately unless bytes are already available.
//
// On success the returned slice holds every byte consumed while sniffing.
func Detect(ctx context.Context, conn net.Conn, timeout time.Duration) (policy.Protocol, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, fmt.Errorf("arm detection deadline: %w", err)
	}

	// Unblock the read if the caller goes away. The deadline is cleared
	// only after the watcher has stopped, so it cannot re-poison the
	// connection handed back on success.
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-watcherDone
		conn.SetReadDeadline(time.Time{})
	}()

	var buf []byte
	tmp := make([]byte, 1024)
	for {
		n, err := conn.Read(tmp)
		buf = append(buf, tmp[:n]...)

		if proto, decided := classify(buf); decided {
			return proto, buf, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, buf, ctx.Err()
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return 0, buf, ErrDetectionTimeout
			}
			return 0, buf, fmt.Errorf("read during detection: %w", err)
		}
	}
}

// classify inspects the accumulated bytes. It reports HTTP/2 once the full
// connection preface is present, HTTP/1 once a complete request line names
// an HTTP/1 version, and stays undecided while the bytes are still an
// ambiguous prefix of the preface.
func classify(buf []byte) (policy.Protocol, bool) {
	if len(buf) >= len(h2Preface) {
		if bytes.HasPrefix(buf, h2Preface) {
			return policy.ProtocolHTTP2, true
		}
	} else if bytes.HasPrefix(h2Preface, buf) {
		return 0, false
	}

	// Inconsistent with the preface: an HTTP/1 request line decides it.
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		if bytes.Contains(buf[:i], []byte(" HTTP/1.")) {
			return policy.ProtocolHTTP1, true
		}
	}
	return 0, false
}

// NewPrefixedConn returns a connection that replays prefix before reading
// from conn again.
func NewPrefixedConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	buffered := make([]byte, len(prefix))
	copy(buffered, prefix)
	return &prefixedConn{Conn: conn, prefix: buffered}
}

type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
