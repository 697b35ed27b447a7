//go:build linux

package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// hciTimeout bounds HCI listener and dialer operations on the default adapter
const hciTimeout = 20 * time.Second

func newPlatformDevice() (ble.Device, error) {
	return linux.NewDevice(ble.OptListenerTimeout(hciTimeout), ble.OptDialerTimeout(hciTimeout))
}
