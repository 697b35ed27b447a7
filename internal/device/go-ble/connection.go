package goble

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/tagwatch/internal/device"
	"github.com/srg/tagwatch/internal/groutine"
)

// bleLink represents a live BLE connection to one peripheral
type bleLink struct {
	id      string
	client  Client
	profile *ble.Profile
	logger  *logrus.Logger

	onDisconnect device.DisconnectHandler
	closing      atomic.Bool
	reportOnce   sync.Once
	done         chan struct{}

	writeMutex sync.Mutex
}

func newLink(id string, client Client, profile *ble.Profile, onDisconnect device.DisconnectHandler, logger *logrus.Logger) *bleLink {
	return &bleLink{
		id:           id,
		client:       client,
		profile:      profile,
		logger:       logger,
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
	}
}

// characteristic looks up a discovered characteristic by service and characteristic UUID.
// Returns a NotFoundError if the service or characteristic is not found.
func (l *bleLink) characteristic(service, uuid string) (*ble.Characteristic, error) {
	for _, svc := range l.profile.Services {
		if !device.SameUUID(svc.UUID.String(), service) {
			continue
		}
		for _, c := range svc.Characteristics {
			if device.SameUUID(c.UUID.String(), uuid) {
				return c, nil
			}
		}
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
}

// report delivers the disconnect to the owner exactly once
func (l *bleLink) report(err error) {
	l.reportOnce.Do(func() {
		close(l.done)
		if l.closing.Load() {
			err = nil
		}
		if l.onDisconnect != nil {
			l.onDisconnect(err)
		}
	})
}

// monitor watches the client Disconnected() channel and reports remote drops.
// Calls release before reporting so the link table no longer holds the peripheral.
func (l *bleLink) monitor(release func()) {
	// Disconnected() is reported by both the darwin and linux clients of the fork
	watcher, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		l.logger.WithField("address", l.id).Debug("Client does not support Disconnected() channel")
		return
	}

	groutine.Go(context.Background(), "ble-link-monitor", func(ctx context.Context) {
		select {
		case <-watcher.Disconnected():
			if !l.closing.Load() {
				l.logger.WithField("address", l.id).Warn("Peripheral reported disconnection")
			}
			release()
			l.report(device.ErrNotConnected)
		case <-l.done:
		}
	})
}

// close cancels the connection and reports a local disconnect
func (l *bleLink) close() error {
	l.closing.Store(true)
	err := NormalizeError(l.client.CancelConnection())
	l.report(nil)
	return err
}
