package server

import (
	"context"
	"net"
	"strings"
)

// isAllowed checks the request's remote address against the allowlist.
// Entries can be:
//   - "*": allow everything
//   - "CIDR": e.g. "127.0.0.0/8", "10.0.0.0/8", "::1/128"
//   - "host": exact string match on the remote host (no DNS resolution)
//
// The remote port is ignored.
func isAllowed(remoteAddr string, allowList []string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return false
	}
	// Zone identifiers are not part of CIDR matching.
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	remoteIP := net.ParseIP(host)

	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil {
			if remoteIP != nil && cidr.Contains(remoteIP) {
				return true
			}
			continue
		}
		if ip := net.ParseIP(entry); ip != nil && remoteIP != nil {
			if ip.Equal(remoteIP) {
				return true
			}
			continue
		}
		if strings.EqualFold(host, entry) {
			return true
		}
	}
	return false
}

// connSemaphore limits concurrent connections. A nil channel (from
// newConnSemaphore(0)) imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

// tryAcquire takes a slot without blocking. It fails when the semaphore is
// full or ctx is done.
func (s *connSemaphore) tryAcquire(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
