package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/tagwatch/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"darwin powered off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"turned off", errors.New("Bluetooth is turned off"), device.ErrBluetoothOff},
		{"not connected", errors.New("device not connected"), device.ErrNotConnected},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"not initialized", errors.New("connection is not initialized"), device.ErrNotInitialized},
		{"hci init", errors.New("can't init hci: no devices available"), device.ErrNotInitialized},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), device.ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.in.Error(), "original message MUST be preserved")
		})
	}
}

func TestNormalizeError_PassThrough(t *testing.T) {
	assert.NoError(t, NormalizeError(nil))

	orig := errors.New("att: unlikely error")
	assert.Same(t, orig, NormalizeError(orig))
}
