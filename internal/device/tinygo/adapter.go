//go:build linux || darwin || windows

// Package tinygo implements device.Adapter on tinygo.org/x/bluetooth.
//
// On macOS peripheral IDs are CoreBluetooth UUIDs, not MAC addresses.
package tinygo

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/tagwatch/internal/device"
	"tinygo.org/x/bluetooth"
)

// readBufferSize covers the largest ATT value
const readBufferSize = 512

// Adapter wraps a tinygo bluetooth adapter
type Adapter struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	// mu protects the links map.
	mu    sync.Mutex
	links map[string]*link // keyed by peripheral ID

	scanMu   sync.Mutex
	scanDone chan struct{}

	connectDevice    func(bluetooth.Address) (bluetooth.Device, error)
	disconnectDevice func(bluetooth.Device) error
}

var _ device.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter over bluetooth.DefaultAdapter
func NewAdapter(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.New()
	}
	a := &Adapter{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		links:   make(map[string]*link),
	}
	a.connectDevice = func(addr bluetooth.Address) (bluetooth.Device, error) {
		return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}
	a.disconnectDevice = func(d bluetooth.Device) error {
		return d.Disconnect()
	}
	return a, nil
}

func (a *Adapter) enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("%w: enable adapter: %v", device.ErrBluetoothOff, err)
			return
		}

		// Fired with connected=false when a peripheral drops
		a.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := d.Address.String()
			a.mu.Lock()
			l, ok := a.links[id]
			delete(a.links, id)
			a.mu.Unlock()
			if ok {
				a.logger.WithField("address", id).Warn("Peripheral reported disconnection")
				l.report(device.ErrNotConnected)
			}
		})
	})
	return a.enableErr
}

// Scan blocks until StopScan, ctx cancellation, or a scan failure
func (a *Adapter) Scan(ctx context.Context, services []string, handler func(device.Advertisement)) error {
	if err := a.enable(); err != nil {
		return err
	}

	filters := make([]bluetooth.UUID, 0, len(services))
	for _, s := range services {
		u, err := parseUUID(s)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filters = append(filters, u)
	}

	a.scanMu.Lock()
	if a.scanDone != nil {
		a.scanMu.Unlock()
		return device.ErrScanning
	}
	done := make(chan struct{})
	a.scanDone = done
	a.scanMu.Unlock()

	defer func() {
		a.scanMu.Lock()
		a.scanDone = nil
		a.scanMu.Unlock()
		close(done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	a.logger.WithField("services", services).Info("Starting BLE scan...")
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		var matched []string
		for i, f := range filters {
			if result.HasServiceUUID(f) {
				matched = append(matched, services[i])
			}
		}
		if len(filters) > 0 && len(matched) == 0 {
			return
		}
		handler(newAdvertisement(result, matched))
	})

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		a.logger.WithField("error", err).Error("BLE scan failed")
		return fmt.Errorf("ble: scan: %w", err)
	}
	a.logger.Info("BLE scan stopped")
	return nil
}

// StopScan stops the running scan and waits until Scan has returned
func (a *Adapter) StopScan(ctx context.Context) error {
	a.scanMu.Lock()
	done := a.scanDone
	a.scanMu.Unlock()

	if done == nil {
		return device.ErrNotScanning
	}
	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for scan to stop: %v", device.ErrTimeout, ctx.Err())
	}
}

// Connect connects to the peripheral. tinygo's Connect blocks with its own
// timeout; ctx only bounds how long the caller waits. A connection that
// completes after ctx is done is dropped.
func (a *Adapter) Connect(ctx context.Context, id string, onDisconnect device.DisconnectHandler) (device.Peripheral, error) {
	if err := a.enable(); err != nil {
		return device.Peripheral{}, err
	}

	a.mu.Lock()
	_, exists := a.links[id]
	a.mu.Unlock()
	if exists {
		return device.Peripheral{}, device.ErrAlreadyConnected
	}

	var addr bluetooth.Address
	addr.Set(id)

	a.logger.WithField("address", id).Info("Connecting to BLE device...")

	d, inTime, err := device.CallWithContextOrDrop(ctx, func() (bluetooth.Device, error) {
		return a.connectDevice(addr)
	}, func(late bluetooth.Device) {
		logger := a.logger.WithField("address", id)
		if err := a.disconnectDevice(late); err != nil {
			logger.WithField("error", err).Warn("Failed to drop connection completed after timeout")
			return
		}
		logger.Info("Dropped connection completed after timeout")
	})
	if !inTime {
		return device.Peripheral{}, fmt.Errorf("ble: connect to %s: %w", id, err)
	}
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Error("Failed to connect")
		return device.Peripheral{}, fmt.Errorf("ble: connect to %s: %w", id, err)
	}

	l := &link{
		device:       d,
		onDisconnect: onDisconnect,
		chars:        make(map[string]bluetooth.DeviceCharacteristic),
	}
	a.mu.Lock()
	a.links[id] = l
	a.mu.Unlock()

	a.logger.WithField("address", id).Info("BLE device connected successfully")
	return device.Peripheral{ID: id}, nil
}

// Disconnect drops the connection to id
func (a *Adapter) Disconnect(ctx context.Context, id string) error {
	a.mu.Lock()
	l, ok := a.links[id]
	delete(a.links, id)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}

	_, err := device.CallWithContext(ctx, func() (struct{}, error) {
		return struct{}{}, a.disconnectDevice(l.device)
	})
	l.report(nil)
	if err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

func (a *Adapter) lookup(id string) (*link, error) {
	a.mu.Lock()
	l, ok := a.links[id]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, id)
	}
	return l, nil
}

// Read reads a characteristic value
func (a *Adapter) Read(ctx context.Context, id, service, characteristic string) ([]byte, error) {
	l, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return device.CallWithContext(ctx, func() ([]byte, error) {
		c, err := l.characteristic(service, characteristic)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, readBufferSize)
		n, err := c.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("ble: read %s: %w", characteristic, err)
		}
		return buf[:n], nil
	})
}

// Write writes data with response
func (a *Adapter) Write(ctx context.Context, id, service, characteristic string, data []byte) error {
	l, err := a.lookup(id)
	if err != nil {
		return err
	}
	_, err = device.CallWithContext(ctx, func() (struct{}, error) {
		c, err := l.characteristic(service, characteristic)
		if err != nil {
			return struct{}{}, err
		}
		if _, err := c.Write(data); err != nil {
			return struct{}{}, fmt.Errorf("ble: write %s: %w", characteristic, err)
		}
		return struct{}{}, nil
	})
	return err
}

// Subscribe enables notifications; each payload is copied before delivery
func (a *Adapter) Subscribe(ctx context.Context, id, service, characteristic string, handler device.NotificationHandler) error {
	l, err := a.lookup(id)
	if err != nil {
		return err
	}
	_, err = device.CallWithContext(ctx, func() (struct{}, error) {
		c, err := l.characteristic(service, characteristic)
		if err != nil {
			return struct{}{}, err
		}
		err = c.EnableNotifications(func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			handler(data)
		})
		if err != nil {
			return struct{}{}, fmt.Errorf("ble: subscribe %s: %w", characteristic, err)
		}
		return struct{}{}, nil
	})
	return err
}

type link struct {
	device       bluetooth.Device
	onDisconnect device.DisconnectHandler
	reportOnce   sync.Once

	mu    sync.Mutex
	chars map[string]bluetooth.DeviceCharacteristic
}

func (l *link) report(err error) {
	l.reportOnce.Do(func() {
		if l.onDisconnect != nil {
			l.onDisconnect(err)
		}
	})
}

func (l *link) characteristic(service, char string) (bluetooth.DeviceCharacteristic, error) {
	key := device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chars[key]; ok {
		return c, nil
	}

	svcUUID, err := parseUUID(service)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	charUUID, err := parseUUID(char)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}

	svcs, err := l.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return bluetooth.DeviceCharacteristic{}, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return bluetooth.DeviceCharacteristic{}, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, char}}
	}

	l.chars[key] = chars[0]
	return chars[0], nil
}

// parseUUID accepts 16-bit short forms as well as full UUIDs
func parseUUID(s string) (bluetooth.UUID, error) {
	full, err := device.ExpandUUID(s)
	if err != nil {
		return bluetooth.UUID{}, err
	}
	return bluetooth.ParseUUID(full)
}

type advertisement struct {
	result   bluetooth.ScanResult
	services []string
}

func newAdvertisement(result bluetooth.ScanResult, services []string) device.Advertisement {
	return &advertisement{result: result, services: services}
}

func (a *advertisement) LocalName() string { return a.result.LocalName() }
func (a *advertisement) RSSI() int         { return int(a.result.RSSI) }
func (a *advertisement) Addr() string      { return a.result.Address.String() }
func (a *advertisement) Connectable() bool { return true }

// Services returns the filter services the advertisement matched
func (a *advertisement) Services() []string { return a.services }

// ManufacturerData returns the first element in wire layout: company ID (LE) followed by data
func (a *advertisement) ManufacturerData() []byte {
	elems := a.result.ManufacturerData()
	if len(elems) == 0 {
		return nil
	}
	out := binary.LittleEndian.AppendUint16(nil, elems[0].CompanyID)
	return append(out, elems[0].Data...)
}
