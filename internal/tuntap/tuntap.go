// Package tuntap implements the single virtual interface this core reads
// and writes IP packets on: the TUN file descriptor handed to it by the
// host platform (an Android VpnService, a Linux /dev/net/tun open, or an
// equivalent). spec.md's non-goals put the platform VPN-API boundary
// itself out of scope; this package starts just inside that boundary,
// where the fd is already a plain ReadWriteCloser of raw IPv4 packets.
package tuntap

import "io"

// Device is a TUN file descriptor: Read returns one raw IP packet per
// call (as the kernel presents it), Write sends one raw IP packet back
// into the host's network stack.
type Device struct {
	name string
	file io.ReadWriteCloser
}

// Name is the interface name the host assigned (e.g. "tun0").
func (d *Device) Name() string { return d.name }

// Read reads one packet into b, per the host TUN fd's one-packet-per-read
// contract.
func (d *Device) Read(b []byte) (int, error) { return d.file.Read(b) }

// Write writes one packet, per the host TUN fd's one-packet-per-write
// contract.
func (d *Device) Write(b []byte) (int, error) { return d.file.Write(b) }

// Close releases the underlying file descriptor.
func (d *Device) Close() error { return d.file.Close() }
