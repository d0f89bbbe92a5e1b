package tuntap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux TUN/TAP ioctl constants, from linux/if_tun.h. golang.org/x/sys/unix
// does not export these (they are driver-private, not syscall numbers), so
// they are hardcoded here the same way the teacher hardcodes netlink
// attribute constants it needs but unix does not export.
const (
	iffTUN      = 0x0001
	iffNoPI     = 0x1000
	tunSetIFF   = 0x400454ca
	ifNameSize  = 16
	devTunPath  = "/dev/net/tun"
)

// ifReq overlays Linux's struct ifreq: a 16-byte interface name followed by
// a union whose first member, for TUNSETIFF, is a uint16 flags field. This
// is the same struct-overlay-via-unsafe.Pointer technique the teacher's
// netlink.go uses to read RtAttr/InetDiagMsg directly out of a []byte.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq), unused for TUNSETIFF
}

// Open creates (or attaches to) a TUN interface named name ("" lets the
// kernel pick, e.g. "tun0", "tun1", ...) and returns a Device wrapping its
// file descriptor, per spec.md's "one virtual interface" non-goal: this is
// the only platform-specific entry point the rest of the core depends on.
func Open(name string) (*Device, error) {
	f, err := os.OpenFile(devTunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tuntap: open %s: %w", devTunPath, err)
	}

	var req ifReq
	copy(req.name[:], name)
	req.flags = iffTUN | iffNoPI

	if err := ioctl(f.Fd(), tunSetIFF, uintptr(unsafe.Pointer(&req))); err != nil {
		f.Close()
		return nil, fmt.Errorf("tuntap: TUNSETIFF: %w", err)
	}

	actualName := string(req.name[:clen(req.name[:])])
	return &Device{name: actualName, file: f}, nil
}

func clen(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

func ioctl(fd uintptr, request int, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
