//go:build !linux

package main

import (
	"fmt"
	"io"
	"runtime"
)

func openTAP(name string) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("tap devices are not supported on %s; use -replay", runtime.GOOS)
}
