package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/tagwatch/internal/device"
)

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "bluetooth is turned off"),
		device.ContainsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case device.ContainsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case device.ContainsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case device.ContainsIgnoreCase(msg, "connection is not initialized"),
		device.ContainsIgnoreCase(msg, "can't init hci"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	case device.ContainsIgnoreCase(msg, "timeout"), device.ContainsIgnoreCase(msg, "timed out"):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	default:
		return err
	}
}
