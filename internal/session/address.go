// internal/session/address.go
package session

import (
	"net"
	"strconv"
	"strings"
)

const (
	DefaultPort  = 7777
	LoopbackHost = "127.0.0.1"
)

// ResolveHostAddress turns the host address recorded in session metadata into a dialable
// host:port. An empty address, forceLocal, or a bare loopback host all resolve to loopback on
// defaultPort. A host without a port gets defaultPort appended.
func ResolveHostAddress(host string, forceLocal bool, defaultPort int) string {
	if defaultPort <= 0 {
		defaultPort = DefaultPort
	}
	port := strconv.Itoa(defaultPort)

	host = strings.TrimSpace(host)
	if host == "" || forceLocal || host == LoopbackHost {
		return net.JoinHostPort(LoopbackHost, port)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}
