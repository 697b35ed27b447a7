// Package devicefactory selects the BLE backend behind device.Adapter.
package devicefactory

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/tagwatch/internal/device"
	goble "github.com/srg/tagwatch/internal/device/go-ble"
	"github.com/srg/tagwatch/internal/device/tinygo"
	"github.com/srg/tagwatch/pkg/config"
)

// AdapterFactory creates the adapter for a backend.
// This is a variable so that it can be overridden in tests.
var AdapterFactory = func(backend string, logger *logrus.Logger, connectTimeout time.Duration) (device.Adapter, error) {
	switch backend {
	case config.BackendGoBLE, "":
		a := goble.NewAdapter(logger)
		if connectTimeout > 0 {
			a = a.WithConnectTimeout(connectTimeout)
		}
		return a, nil
	case config.BackendTinyGo:
		a, err := tinygo.NewAdapter(logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: backend %q", device.ErrUnsupported, backend)
	}
}

// NewAdapter creates the adapter configured by cfg
func NewAdapter(cfg *config.Config, logger *logrus.Logger) (device.Adapter, error) {
	a, err := AdapterFactory(cfg.Backend, logger, cfg.Session.OperationTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", cfg.Backend, err)
	}
	logger.WithField("backend", cfg.Backend).Debug("BLE adapter created")
	return a, nil
}
