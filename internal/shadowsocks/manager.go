// Package shadowsocks implements the Shadowsocks TCP tunnel of spec
// §4.8: the local accept path, the AEAD-framed upstream handshake, the
// bidirectional data shuttle, and idle/connect timeout teardown. It
// wires together internal/aead, internal/socksaddr, internal/resolver,
// and internal/sockopt exactly as spec §4.8.1's numbered steps name
// them.
package shadowsocks

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fqnews/vpncore/internal/config"
	"github.com/fqnews/vpncore/internal/resolver"
	"github.com/fqnews/vpncore/internal/socksaddr"
)

// DestinationFunc resolves the intended destination of an accepted
// local connection, per spec §4.8.1 step 2's three modes (SOCKS5
// request already decoded by surrounding code, a static tunnel
// target, or a kernel SO_ORIGINAL_DST lookup). Manager callers supply
// the one matching their configured mode.
type DestinationFunc func(conn net.Conn) (socksaddr.Addr, error)

// ACLFunc decides whether a destination/peer pair may proceed, per
// spec §4.8.1 step 3. The default always allows, per SPEC_FULL's
// "extension points ... default to always-allow".
type ACLFunc func(dest socksaddr.Addr, peer net.Addr) bool

// Manager accepts local connections and drives one Session per
// connection. It keeps a process-wide session registry so shutdown
// can iterate and close every session, per spec §4.8.5.
type Manager struct {
	Config      config.Config
	Destination DestinationFunc
	ACL         ACLFunc
	Resolver    *resolver.Resolver

	mu       sync.Mutex
	sessions map[string]*Session

	remoteIdx uint32 // round-robin cursor over Config.RemoteAddrs, incremented atomically
}

// NewManager constructs a Manager ready to Serve connections for cfg.
func NewManager(cfg config.Config, dest DestinationFunc) *Manager {
	m := &Manager{
		Config:      cfg,
		Destination: dest,
		ACL:         func(socksaddr.Addr, net.Addr) bool { return true },
		sessions:    make(map[string]*Session),
	}
	if cfg.Nameserver != "" {
		m.Resolver = resolver.New(cfg.Nameserver, 5*time.Second, cfg.IPv6First)
	}
	return m
}

// Serve accepts connections from ln until ctx is done or Accept
// fails, dispatching each to its own Session goroutine.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go m.handle(ctx, conn)
	}
}

func (m *Manager) handle(ctx context.Context, local net.Conn) {
	sess, err := m.newSession(local)
	if err != nil {
		log.Printf("shadowsocks: session setup for %v: %v", local.RemoteAddr(), err)
		local.Close()
		return
	}
	m.register(sess)
	defer m.unregister(sess)

	if err := sess.run(ctx); err != nil {
		log.Printf("shadowsocks: session %s: %v", sess.ID, err)
	}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

func (m *Manager) unregister(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	s.Close()
}

// CloseAll closes every live session, for process shutdown per spec
// §4.8.5's "a session lives in a process-wide linked list so shutdown
// can iterate and close all sessions".
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// nextRemote returns the next relay endpoint, round-robin over up to
// MAX_REMOTE_NUM entries per spec §4.8.1 step 4.
func (m *Manager) nextRemote() (string, error) {
	i := atomic.AddUint32(&m.remoteIdx, 1) - 1
	return m.Config.RemoteEndpoint(int(i))
}

func newSessionID() string { return uuid.NewString() }
