// Package config defines the typed configuration record spec.md §6
// accepts from an external loader, the same flag-plus-struct shape the
// teacher's main.go uses for its own command-line surface.
package config

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Mode selects which Shadowsocks protocols a listener serves.
type Mode int

const (
	TCPOnly Mode = iota
	TCPAndUDP
	UDPOnly
)

// MaxRemoteNum bounds the round-robin relay list per spec §4.8.1 step 4.
const MaxRemoteNum = 10

// Config is the fully resolved configuration record of spec.md §6.
type Config struct {
	RemoteAddrs []string // host[:port]; RemotePort fills in a missing port
	RemotePort  int

	LocalAddr string
	LocalPort int

	Password string
	Key      []byte // raw AEAD key material; mutually exclusive with Password
	Method   string

	Timeout time.Duration // idle timeout; default 60s

	Mode Mode
	MTU  int

	MultipathTCP bool
	FastOpen     bool
	NoDelay      bool // operator-forced TCP_NODELAY, never disabled post-handshake
	ReusePort    bool
	IPv6First    bool

	Nameserver string // resolver override; empty uses the platform default

	DSCP map[uint16]uint8 // destination port -> DSCP value

	Plugin     string
	PluginOpts string

	ACL string // ACL rule file path

	TunnelAddress string // static destination for tunnel mode
}

// Errors returned by Validate.
var (
	ErrNoRemotes      = errors.New("config: remote_addrs is empty")
	ErrNoKeyMaterial  = errors.New("config: exactly one of password or key is required")
	ErrBothKeyAndPass = errors.New("config: password and key are mutually exclusive")
	ErrTooManyRemotes = errors.New("config: remote_addrs exceeds MAX_REMOTE_NUM")
)

// Default returns a Config with spec.md §6's documented defaults.
func Default() Config {
	return Config{
		RemotePort: 8388,
		LocalAddr:  "127.0.0.1",
		LocalPort:  1080,
		Method:     "chacha20-ietf-poly1305",
		Timeout:    60 * time.Second,
		Mode:       TCPOnly,
	}
}

// Validate checks the invariants spec.md §6 implies: exactly one key
// source, a non-empty, bounded remote list.
func (c *Config) Validate() error {
	if len(c.RemoteAddrs) == 0 {
		return ErrNoRemotes
	}
	if len(c.RemoteAddrs) > MaxRemoteNum {
		return ErrTooManyRemotes
	}
	havePassword := c.Password != ""
	haveKey := len(c.Key) > 0
	if havePassword && haveKey {
		return ErrBothKeyAndPass
	}
	if !havePassword && !haveKey {
		return ErrNoKeyMaterial
	}
	return nil
}

// RemoteEndpoint resolves the i'th remote address, applying RemotePort
// when the entry carries no port of its own.
func (c *Config) RemoteEndpoint(i int) (string, error) {
	addr := c.RemoteAddrs[i%len(c.RemoteAddrs)]
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	port := c.RemotePort
	if port <= 0 {
		port = 8388
	}
	return net.JoinHostPort(addr, strconv.Itoa(port)), nil
}
