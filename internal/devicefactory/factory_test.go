package devicefactory

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/tagwatch/internal/device"
	goble "github.com/srg/tagwatch/internal/device/go-ble"
	"github.com/srg/tagwatch/pkg/config"
)

func TestNewAdapterGoBLE(t *testing.T) {
	cfg := config.DefaultConfig()

	a, err := NewAdapter(cfg, logrus.New())
	require.NoError(t, err, "go-ble adapter MUST be created without touching the radio")
	assert.IsType(t, &goble.Adapter{}, a)
}

func TestNewAdapterUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend = "bluez-raw"

	_, err := NewAdapter(cfg, logrus.New())
	assert.ErrorIs(t, err, device.ErrUnsupported)
	assert.ErrorContains(t, err, "bluez-raw")
}

func TestAdapterFactoryOverride(t *testing.T) {
	orig := AdapterFactory
	t.Cleanup(func() { AdapterFactory = orig })

	var gotBackend string
	var gotTimeout time.Duration
	AdapterFactory = func(backend string, _ *logrus.Logger, timeout time.Duration) (device.Adapter, error) {
		gotBackend, gotTimeout = backend, timeout
		return nil, device.ErrBluetoothOff
	}

	cfg := config.DefaultConfig()
	cfg.Backend = config.BackendTinyGo
	_, err := NewAdapter(cfg, logrus.New())

	assert.ErrorIs(t, err, device.ErrBluetoothOff)
	assert.Equal(t, config.BackendTinyGo, gotBackend)
	assert.Equal(t, 30*time.Second, gotTimeout)
}
