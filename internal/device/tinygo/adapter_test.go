//go:build linux || darwin || windows

package tinygo

import (
	"context"
	"testing"
	"time"

	"github.com/srg/tagwatch/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"A002", "0000a002-0000-1000-8000-00805f9b34fb"},
		{"0x2a19", "00002a19-0000-1000-8000-00805f9b34fb"},
		{"f000aa20-0451-4000-b000-000000000000", "f000aa20-0451-4000-b000-000000000000"},
		{"F000AA2104514000B000000000000000", "f000aa21-0451-4000-b000-000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := parseUUID(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}

	_, err := parseUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestOperationsWithoutLink(t *testing.T) {
	a, err := NewAdapter(nil)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Disconnect(context.Background(), "aa:bb:cc:dd:ee:01"), device.ErrNotConnected)
	assert.ErrorIs(t, a.Write(context.Background(), "aa:bb:cc:dd:ee:01", "a002", "a005", []byte{1}), device.ErrNotConnected)
	assert.ErrorIs(t, a.StopScan(context.Background()), device.ErrNotScanning)
}

func TestConnectCompletingAfterTimeoutIsDropped(t *testing.T) {
	// GOAL: a connection finishing after the caller gave up must not leak
	//
	// TEST SCENARIO: connect blocks past the deadline, then succeeds -> the late device is disconnected and never tracked

	a, err := NewAdapter(nil)
	require.NoError(t, err)
	a.enableOnce.Do(func() {})

	release := make(chan struct{})
	dropped := make(chan struct{})
	a.connectDevice = func(bluetooth.Address) (bluetooth.Device, error) {
		<-release
		return bluetooth.Device{}, nil
	}
	a.disconnectDevice = func(bluetooth.Device) error {
		close(dropped)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = a.Connect(ctx, "aa:bb:cc:dd:ee:01", nil)
	assert.ErrorIs(t, err, device.ErrTimeout, "MUST report a timeout when ctx expires first")

	close(release)
	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("late connection MUST be disconnected")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.links, "late connection MUST NOT be tracked")
}

func TestConnectInTimeIsTracked(t *testing.T) {
	a, err := NewAdapter(nil)
	require.NoError(t, err)
	a.enableOnce.Do(func() {})

	disconnects := 0
	a.connectDevice = func(bluetooth.Address) (bluetooth.Device, error) { return bluetooth.Device{}, nil }
	a.disconnectDevice = func(bluetooth.Device) error {
		disconnects++
		return nil
	}

	var reported []error
	p, err := a.Connect(context.Background(), "aa:bb:cc:dd:ee:01", func(err error) { reported = append(reported, err) })
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", p.ID)

	_, err = a.Connect(context.Background(), "aa:bb:cc:dd:ee:01", nil)
	assert.ErrorIs(t, err, device.ErrAlreadyConnected, "MUST refuse a second link to the same peripheral")

	require.NoError(t, a.Disconnect(context.Background(), "aa:bb:cc:dd:ee:01"))
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []error{nil}, reported, "MUST report a requested disconnect with a nil error")
}
