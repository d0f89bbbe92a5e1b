package shadowsocks

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fqnews/vpncore/internal/aead"
	"github.com/fqnews/vpncore/internal/socksaddr"
	"github.com/fqnews/vpncore/internal/sockopt"
)

// stage mirrors the original's per-session handshake stage, per spec
// §4.8.1 step 1.
type stage int

const (
	stageInit stage = iota
	stageHandshake
	stageStream
	stageStop
)

// connectTimeout guards the remote connect per spec §4.8.5.
const connectTimeout = 10 * time.Second

// Session is one accepted local connection and its paired remote
// relay connection, per spec §4.8.
type Session struct {
	ID    string
	mgr   *Manager
	local net.Conn

	dest socksaddr.Addr

	remote net.Conn
	enc    *aead.Encryptor
	dec    *aead.Decryptor

	idleMu    sync.Mutex
	idleTimer *time.Timer

	noDelayForced bool
	gotResponse   sync.Once

	closeOnce sync.Once
	stage     stage
}

var (
	ErrACLDenied      = errors.New("shadowsocks: destination denied by ACL")
	ErrNoDestination  = errors.New("shadowsocks: could not determine destination")
	ErrUnknownMethod  = aead.ErrUnknownMethod
	errSessionAborted = errors.New("shadowsocks: session aborted")
)

func (m *Manager) newSession(local net.Conn) (*Session, error) {
	if m.Destination == nil {
		return nil, ErrNoDestination
	}
	dest, err := m.Destination(local)
	if err != nil {
		return nil, err
	}
	if m.ACL != nil && !m.ACL(dest, local.RemoteAddr()) {
		return nil, ErrACLDenied
	}

	key := m.Config.Key
	if len(key) == 0 {
		key, err = aead.DeriveKey(m.Config.Method, m.Config.Password)
		if err != nil {
			return nil, err
		}
	}
	enc, err := aead.NewEncryptor(m.Config.Method, key)
	if err != nil {
		return nil, err
	}
	dec, err := aead.NewDecryptor(m.Config.Method, key)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:            newSessionID(),
		mgr:           m,
		local:         local,
		dest:          dest,
		enc:           enc,
		dec:           dec,
		noDelayForced: m.Config.NoDelay,
		stage:         stageInit,
	}, nil
}

// run drives the session end to end: dial the relay, write the AEAD
// address-frame handshake, then shuttle data until either side closes
// or the idle timer fires.
func (s *Session) run(ctx context.Context) error {
	if err := s.dialRemote(ctx); err != nil {
		return err
	}
	s.stage = stageHandshake
	if err := s.sendHandshake(); err != nil {
		return err
	}
	s.stage = stageStream
	s.armIdleTimer()
	return s.shuttle(ctx)
}

func (s *Session) dialRemote(ctx context.Context) error {
	endpoint, err := s.mgr.nextRemote()
	if err != nil {
		return err
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if s.mgr.Resolver == nil {
			return ErrNoDestination
		}
		ip, err = s.mgr.Resolver.Resolve(ctx, host)
		if err != nil {
			return err
		}
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return err
	}
	raddr := &net.TCPAddr{IP: ip, Port: port}

	opts := sockopt.DialOptions{
		NoDelay:      true,
		MultipathTCP: s.mgr.Config.MultipathTCP,
	}
	if ka := s.mgr.Config.Timeout; ka > 0 {
		opts.KeepAlive = &sockopt.KeepAlive{Idle: 30 * time.Second, Interval: 10 * time.Second, Count: 3}
	}
	if dscp, ok := s.mgr.Config.DSCP[uint16(port)]; ok {
		opts.TOS = int(dscp) << 2
	}

	// The connect timer of spec §4.8.5 guards the remote connect or
	// deferred TFO send independently of the idle timer.
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var conn *net.TCPConn
	if s.mgr.Config.FastOpen {
		conn, err = sockopt.DialFastOpen(connectCtx, raddr, nil)
	} else {
		conn, err = sockopt.Dial(connectCtx, raddr, opts)
	}
	if err != nil {
		return err
	}
	s.remote = conn
	return nil
}

// sendHandshake writes the AEAD-encrypted address frame of spec
// §4.8.2, the first bytes of the stream to the remote relay.
func (s *Session) sendHandshake() error {
	frame, err := socksaddr.Encode(nil, s.dest)
	if err != nil {
		return err
	}
	wire := s.enc.Seal(nil, frame)
	_, err = s.remote.Write(wire)
	return err
}

// shuttle runs the bidirectional AEAD data shuttle of spec §4.8.4
// until one direction closes, then tears down the other.
func (s *Session) shuttle(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.pumpLocalToRemote() }()
	go func() { errCh <- s.pumpRemoteToLocal() }()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

func (s *Session) pumpLocalToRemote() error {
	buf := make([]byte, aead.MaxChunkSize)
	for {
		n, err := s.local.Read(buf)
		if n > 0 {
			s.armIdleTimer()
			sealed := s.enc.Seal(nil, buf[:n])
			if _, werr := s.remote.Write(sealed); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) pumpRemoteToLocal() error {
	buf := make([]byte, 4096)
	for {
		n, err := s.remote.Read(buf)
		if n > 0 {
			res := s.dec.Push(buf[:n])
			if res == aead.Error {
				return errSessionAborted
			}
			for {
				chunk, ok := s.dec.Next()
				if !ok {
					break
				}
				s.onFirstResponse()
				if _, werr := s.local.Write(chunk); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// onFirstResponse disables TCP_NODELAY after the first successful
// end-to-end response, per spec §4.8.4, unless the operator forced it.
func (s *Session) onFirstResponse() {
	s.gotResponse.Do(func() {
		if s.noDelayForced {
			return
		}
		if tc, ok := s.remote.(*net.TCPConn); ok {
			tc.SetNoDelay(false)
		}
	})
}

// armIdleTimer rearms the idle timeout of spec §4.8.5 on every local
// recv.
func (s *Session) armIdleTimer() {
	timeout := s.mgr.Config.Timeout
	if timeout <= 0 {
		return
	}
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(timeout, s.Close)
		return
	}
	s.idleTimer.Reset(timeout)
}

// Close tears down both halves of the session. It is idempotent and
// safe to call from any goroutine, per spec §4.8.5's "on any error,
// both halves are freed".
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stage = stageStop
		s.idleMu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.idleMu.Unlock()
		s.local.Close()
		if s.remote != nil {
			s.remote.Close()
		}
	})
}
