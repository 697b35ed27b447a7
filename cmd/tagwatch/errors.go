package main

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/tagwatch/internal/device"
	"github.com/srg/tagwatch/internal/profile"
)

// FormatUserError turns an error chain into a single line for the terminal
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var nf *device.NotFoundError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and try again"
	case errors.Is(err, device.ErrUnsupported):
		return "operation not supported: " + err.Error()
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timed out: " + err.Error()
	case errors.Is(err, profile.ErrShortPayload):
		return "payload is too short for the selected profile: " + err.Error()
	case errors.As(err, &nf):
		return "device does not expose the expected " + nf.Error()
	}

	msg := err.Error()
	if len(msg) > 0 {
		msg = strings.ToUpper(msg[:1]) + msg[1:]
	}
	return msg
}
