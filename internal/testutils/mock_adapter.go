package testutils

import (
	"context"
	"sync"

	"github.com/srg/tagwatch/internal/device"
	"github.com/stretchr/testify/mock"
)

// MockAdapter is a testify mock of device.Adapter.
// It keeps the callbacks it is handed so tests can play advertisements,
// notifications and remote disconnects back into the caller.
//
// Expectations are matched on the non-context arguments:
//
//	Scan(services)  StopScan()  Connect(id)  Disconnect(id)
//	Read(id, service, char)  Write(id, service, char, data)  Subscribe(id, service, char)
type MockAdapter struct {
	mock.Mock

	mu            sync.Mutex
	scanHandler   func(device.Advertisement)
	onDisconnect  map[string]device.DisconnectHandler
	notifications map[string]device.NotificationHandler
}

var _ device.Adapter = (*MockAdapter)(nil)

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		onDisconnect:  make(map[string]device.DisconnectHandler),
		notifications: make(map[string]device.NotificationHandler),
	}
}

func (m *MockAdapter) Scan(ctx context.Context, services []string, handler func(device.Advertisement)) error {
	m.mu.Lock()
	m.scanHandler = handler
	m.mu.Unlock()
	return m.Called(services).Error(0)
}

func (m *MockAdapter) StopScan(ctx context.Context) error {
	err := m.Called().Error(0)
	if err == nil {
		m.mu.Lock()
		m.scanHandler = nil
		m.mu.Unlock()
	}
	return err
}

func (m *MockAdapter) Connect(ctx context.Context, id string, onDisconnect device.DisconnectHandler) (device.Peripheral, error) {
	args := m.Called(id)
	p, _ := args.Get(0).(device.Peripheral)
	err := args.Error(1)
	if err == nil {
		m.mu.Lock()
		m.onDisconnect[id] = onDisconnect
		m.mu.Unlock()
	}
	return p, err
}

// Disconnect reports a local disconnect (nil error) to the Connect callback when the expectation succeeds
func (m *MockAdapter) Disconnect(ctx context.Context, id string) error {
	err := m.Called(id).Error(0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	h := m.onDisconnect[id]
	delete(m.onDisconnect, id)
	delete(m.notifications, id)
	m.mu.Unlock()
	if h != nil {
		h(nil)
	}
	return nil
}

func (m *MockAdapter) Read(ctx context.Context, id, service, characteristic string) ([]byte, error) {
	args := m.Called(id, service, characteristic)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockAdapter) Write(ctx context.Context, id, service, characteristic string, data []byte) error {
	return m.Called(id, service, characteristic, data).Error(0)
}

func (m *MockAdapter) Subscribe(ctx context.Context, id, service, characteristic string, handler device.NotificationHandler) error {
	err := m.Called(id, service, characteristic).Error(0)
	if err == nil {
		m.mu.Lock()
		m.notifications[id] = handler
		m.mu.Unlock()
	}
	return err
}

// Advertise delivers adv to the running scan; returns false when no scan handler is held
func (m *MockAdapter) Advertise(adv device.Advertisement) bool {
	m.mu.Lock()
	h := m.scanHandler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(adv)
	return true
}

// Notify delivers a notification payload for id; returns false when id is not subscribed
func (m *MockAdapter) Notify(id string, data []byte) bool {
	m.mu.Lock()
	h := m.notifications[id]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// DropConnection simulates a remote disconnect of id
func (m *MockAdapter) DropConnection(id string, err error) bool {
	m.mu.Lock()
	h := m.onDisconnect[id]
	delete(m.onDisconnect, id)
	delete(m.notifications, id)
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(err)
	return true
}

// Subscribed reports whether a notification handler is held for id
func (m *MockAdapter) Subscribed(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.notifications[id]
	return ok
}
