//go:build !linux

package tuntap

import "errors"

// ErrUnsupported is returned on platforms this core does not target: the
// production deployment is Android, which is Linux-based, so only the
// Linux ioctl path is implemented. A desktop Darwin/Windows build can
// still link this package (so its Device tests run anywhere) but cannot
// open a real device.
var ErrUnsupported = errors.New("tuntap: no TUN implementation for this platform")

// Open always fails on non-Linux platforms. See ErrUnsupported.
func Open(name string) (*Device, error) {
	return nil, ErrUnsupported
}
