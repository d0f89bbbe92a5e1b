package sockopt

import (
	"net"
	"testing"
	"time"
)

func TestApplyNoDelayAndKeepAlive(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	defer (<-accepted).Close()

	tcpConn := conn.(*net.TCPConn)
	opts := DialOptions{
		NoDelay: true,
		KeepAlive: &KeepAlive{
			Idle:     30 * time.Second,
			Interval: 5 * time.Second,
			Count:    4,
		},
	}
	if err := Apply(tcpConn, opts); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}
