package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/tagwatch/internal/device"
)

// DefaultConnectTimeout bounds Dial and profile discovery when the caller sets no deadline
const DefaultConnectTimeout = 30 * time.Second

// Adapter implements device.Adapter on top of go-ble
type Adapter struct {
	logger         *logrus.Logger
	connectTimeout time.Duration

	devMu sync.Mutex
	dev   Central

	links *hashmap.Map[string, *bleLink]

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}
}

var _ device.Adapter = (*Adapter)(nil)

// NewAdapter creates a go-ble adapter. The platform device is opened lazily on first use.
func NewAdapter(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		logger:         logger,
		connectTimeout: DefaultConnectTimeout,
		links:          hashmap.New[string, *bleLink](),
	}
}

// WithConnectTimeout overrides DefaultConnectTimeout
func (a *Adapter) WithConnectTimeout(d time.Duration) *Adapter {
	if d > 0 {
		a.connectTimeout = d
	}
	return a
}

func (a *Adapter) central() (Central, error) {
	a.devMu.Lock()
	defer a.devMu.Unlock()

	if a.dev != nil {
		return a.dev, nil
	}
	// Create a BLE device using the factory (allows for mocking in tests)
	dev, err := DeviceFactory()
	if err != nil {
		a.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	a.dev = dev
	return dev, nil
}

// Connect dials the peripheral, discovers its GATT profile and starts watching for remote disconnects
func (a *Adapter) Connect(ctx context.Context, id string, onDisconnect device.DisconnectHandler) (device.Peripheral, error) {
	if strings.TrimSpace(id) == "" {
		a.logger.Error("Connection attempt with empty address")
		return device.Peripheral{}, fmt.Errorf("device address is empty")
	}
	if _, ok := a.links.Get(id); ok {
		a.logger.WithField("address", id).Warn("Connection attempt while already connected")
		return device.Peripheral{}, device.ErrAlreadyConnected
	}

	dev, err := a.central()
	if err != nil {
		return device.Peripheral{}, err
	}

	connCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		connCtx, cancel = context.WithTimeout(ctx, a.connectTimeout)
		defer cancel()
	}

	a.logger.WithFields(logrus.Fields{
		"address": id,
		"timeout": a.connectTimeout,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(connCtx, ble.NewAddr(id))
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return device.Peripheral{}, fmt.Errorf("failed to connect to device with address \"%s\": %w", id, NormalizeError(err))
	}

	a.logger.WithField("address", id).Debug("Discovering services and characteristics...")
	profile, err := device.CallWithContext(connCtx, func() (*ble.Profile, error) {
		return client.DiscoverProfile(true)
	})
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			a.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return device.Peripheral{}, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	l := newLink(id, client, profile, onDisconnect, a.logger)
	if _, loaded := a.links.GetOrInsert(id, l); loaded {
		_ = client.CancelConnection()
		return device.Peripheral{}, device.ErrAlreadyConnected
	}
	l.monitor(func() { a.links.Del(id) })

	p := device.Peripheral{ID: id, Name: client.Name()}
	a.logger.WithFields(logrus.Fields{
		"address":  id,
		"name":     p.Name,
		"services": len(profile.Services),
	}).Info("BLE device connected successfully")
	return p, nil
}

// Disconnect cancels the connection to id and reports it through the link's disconnect handler
func (a *Adapter) Disconnect(ctx context.Context, id string) error {
	l, ok := a.links.Get(id)
	if !ok {
		a.logger.WithField("address", id).Debug("Disconnect called but already disconnected")
		return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	a.links.Del(id)

	a.logger.WithField("address", id).Info("Disconnecting BLE device...")
	_, err := device.CallWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, l.close()
	})
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return err
	}
	a.logger.WithField("address", id).Info("BLE device disconnected successfully")
	return nil
}

func (a *Adapter) link(id string) (*bleLink, error) {
	l, ok := a.links.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	return l, nil
}

// Read reads a characteristic value
func (a *Adapter) Read(ctx context.Context, id, service, characteristic string) ([]byte, error) {
	l, err := a.link(id)
	if err != nil {
		return nil, err
	}
	c, err := l.characteristic(service, characteristic)
	if err != nil {
		return nil, err
	}
	data, err := device.CallWithContext(ctx, func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", characteristic, NormalizeError(err))
	}
	return data, nil
}

// Write writes data to a characteristic with response
func (a *Adapter) Write(ctx context.Context, id, service, characteristic string, data []byte) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}

	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()

	_, err = device.CallWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.WriteCharacteristic(c, data, false)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", characteristic, NormalizeError(err))
	}
	a.logger.WithFields(logrus.Fields{
		"address":        id,
		"characteristic": characteristic,
		"bytes":          len(data),
	}).Debug("Characteristic written")
	return nil
}

// Subscribe enables notifications on a characteristic.
// Each payload is copied before it is handed to handler.
func (a *Adapter) Subscribe(ctx context.Context, id, service, characteristic string, handler device.NotificationHandler) error {
	l, err := a.link(id)
	if err != nil {
		return err
	}
	c, err := l.characteristic(service, characteristic)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s does not support notifications: %w", characteristic, device.ErrUnsupported)
	}

	indicate := c.Property&ble.CharNotify == 0
	_, err = device.CallWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(c, indicate, func(req []byte) {
			data := make([]byte, len(req))
			copy(data, req)
			handler(data)
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", characteristic, NormalizeError(err))
	}
	a.logger.WithFields(logrus.Fields{
		"address":        id,
		"characteristic": characteristic,
		"indicate":       indicate,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}
