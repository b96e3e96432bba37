//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// openTAP attaches to an existing TAP device by name. The device must
// already be created and up (ip tuntap add dev tap0 mode tap).
func openTAP(name string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tap name %q: %w", name, err)
	}
	// IFF_NO_PI: raw ethernet frames without the packet-info prefix.
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(int(f.Fd()), unix.TUNSETIFF, ifr); err != nil {
		f.Close()
		return nil, fmt.Errorf("attach tap %q: %w", name, err)
	}
	return f, nil
}
