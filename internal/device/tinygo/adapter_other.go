//go:build !linux && !darwin && !windows

package tinygo

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/tagwatch/internal/device"
)

// NewAdapter reports that no tinygo bluetooth backend exists for this platform
func NewAdapter(_ *logrus.Logger) (device.Adapter, error) {
	return nil, fmt.Errorf("%w: tinygo backend on %s", device.ErrUnsupported, runtime.GOOS)
}
