package sockopt

import (
	"context"
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// ErrUnsupported is returned by options this platform has no kernel
// equivalent for.
var ErrUnsupported = errors.New("sockopt: unsupported on this platform")

func withFd(conn *net.TCPConn, f func(fd int) error) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) {
		opErr = f(int(fd))
	}); err != nil {
		return err
	}
	return opErr
}

func setKeepAlive(conn *net.TCPConn, ka KeepAlive) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return withFd(conn, func(fd int) error {
		idle := int(ka.Idle.Seconds())
		interval := int(ka.Interval.Seconds())
		if idle > 0 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, idle); err != nil {
				return err
			}
		}
		if interval > 0 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, interval); err != nil {
				return err
			}
		}
		if ka.Count > 0 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, ka.Count); err != nil {
				return err
			}
		}
		return nil
	})
}

// setNoSigPipe sets SO_NOSIGPIPE, Darwin's per-socket equivalent of
// Linux's MSG_NOSIGNAL send flag.
func setNoSigPipe(conn *net.TCPConn) {
	withFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	})
}

// bindToDevice has no Darwin equivalent of Linux's SO_BINDTODEVICE; it
// returns ErrUnsupported, which Apply skips.
func bindToDevice(conn *net.TCPConn, iface string) error {
	return ErrUnsupported
}

func setTOS(conn *net.TCPConn, tos int) error {
	return withFd(conn, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
}

// DialMultipath has no portable implementation here: Darwin's
// multipath TCP is requested via connectx(2)'s SAE_ASSOCID_ANY
// handshake, which golang.org/x/sys/unix does not wrap. Callers treat
// a non-nil error as "fall back to a regular dial", per spec §4.8.1
// step 5's "try each ... until one succeeds".
func DialMultipath(ctx context.Context, network string, raddr *net.TCPAddr) (*net.TCPConn, error) {
	return nil, ErrUnsupported
}

// DialFastOpen falls back to a plain dial followed by a deferred
// write of initialData: Darwin's TFO connect is also through
// connectx(2), unavailable via x/sys/unix, matching the "supplemented
// feature" note that a platform without TFO support falls back on the
// next session.
func DialFastOpen(ctx context.Context, raddr *net.TCPAddr, initialData []byte) (*net.TCPConn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, err
	}
	tcpConn := conn.(*net.TCPConn)
	if len(initialData) > 0 {
		if _, err := tcpConn.Write(initialData); err != nil {
			tcpConn.Close()
			return nil, err
		}
	}
	return tcpConn, nil
}

// OriginalDst is unsupported on Darwin: PF's NAT redirection exposes
// the original destination through getsockopt(PF_NAT) lookups this
// package does not implement, since the spec's redirected-TCP mode
// targets Android's netfilter-based tun2socks deployment.
func OriginalDst(conn *net.TCPConn, v6 bool) (*net.TCPAddr, error) {
	return nil, ErrUnsupported
}
