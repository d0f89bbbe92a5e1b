package shadowsocks

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fqnews/vpncore/internal/aead"
	"github.com/fqnews/vpncore/internal/config"
	"github.com/fqnews/vpncore/internal/socksaddr"
)

const testMethod = "chacha20-ietf-poly1305"
const testKey = "correct horse battery staple"

// fakeRelay accepts one connection, decodes the AEAD address frame,
// and echoes every subsequent chunk back re-encrypted with its own
// (independent) salt, mirroring a real Shadowsocks server's reply
// direction.
func fakeRelay(t *testing.T, ln net.Listener, gotAddr chan<- socksaddr.Addr) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	key, err := aead.DeriveKey(testMethod, testKey)
	if err != nil {
		t.Errorf("fakeRelay: DeriveKey: %v", err)
		return
	}
	dec, err := aead.NewDecryptor(testMethod, key)
	if err != nil {
		t.Errorf("fakeRelay: NewDecryptor: %v", err)
		return
	}
	enc, err := aead.NewEncryptor(testMethod, key)
	if err != nil {
		t.Errorf("fakeRelay: NewEncryptor: %v", err)
		return
	}

	buf := make([]byte, 4096)
	sawAddr := false
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if res := dec.Push(buf[:n]); res == aead.Error {
				t.Errorf("fakeRelay: auth failure")
				return
			}
			for {
				chunk, ok := dec.Next()
				if !ok {
					break
				}
				if !sawAddr {
					addr, _, err := socksaddr.Decode(chunk)
					if err != nil {
						t.Errorf("fakeRelay: Decode address frame: %v", err)
						return
					}
					gotAddr <- addr
					sawAddr = true
					continue
				}
				reply := append([]byte("echo:"), chunk...)
				conn.Write(enc.Seal(nil, reply))
			}
		}
		if err != nil {
			return
		}
	}
}

func newTestManager(t *testing.T, relayAddr string, timeout time.Duration) *Manager {
	t.Helper()
	dest := socksaddr.Addr{IP: net.IPv4(203, 0, 113, 7).To4(), Port: 443}
	cfg := config.Default()
	cfg.RemoteAddrs = []string{relayAddr}
	cfg.Method = testMethod
	cfg.Password = testKey
	cfg.Timeout = timeout
	return NewManager(cfg, func(net.Conn) (socksaddr.Addr, error) { return dest, nil })
}

func TestSessionHandshakeAndDataShuttle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	gotAddr := make(chan socksaddr.Addr, 1)
	go fakeRelay(t, ln, gotAddr)

	m := newTestManager(t, ln.Addr().String(), 0)

	local, driver := net.Pipe()
	sess, err := m.newSession(local)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.run(context.Background()) }()

	select {
	case addr := <-gotAddr:
		if !addr.IP.Equal(net.IPv4(203, 0, 113, 7)) || addr.Port != 443 {
			t.Fatalf("relay saw dest %+v, want 203.0.113.7:443", addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay to observe handshake")
	}

	driver.Write([]byte("hello"))
	reply := make([]byte, 64)
	driver.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := driver.Read(reply)
	if err != nil {
		t.Fatalf("driver.Read: %v", err)
	}
	if got := string(reply[:n]); got != "echo:hello" {
		t.Fatalf("got %q, want echo:hello", got)
	}

	driver.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down after local close")
	}
}

// seed test 6: with a session idle timeout configured, no bytes in
// either direction for the timeout closes both halves.
func TestSessionIdleTimeoutClosesBothHalves(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	gotAddr := make(chan socksaddr.Addr, 1)
	go fakeRelay(t, ln, gotAddr)

	m := newTestManager(t, ln.Addr().String(), 50*time.Millisecond)

	local, driver := net.Pipe()
	sess, err := m.newSession(local)
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.run(context.Background()) }()

	<-gotAddr

	driver.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = driver.Read(buf)
	if err == nil {
		t.Fatal("expected local half to be closed by idle timeout")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on idle timeout")
	}
}
