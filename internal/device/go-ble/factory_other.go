//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/tagwatch/internal/device"
)

func newPlatformDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble backend on %s, use the tinygo backend", device.ErrUnsupported, runtime.GOOS)
}
