//go:build test

package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/tagwatch/internal/device"
	"github.com/srg/tagwatch/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	tagAddr      = "aa:bb:cc:dd:ee:01"
	humService   = "f000aa20-0451-4000-b000-000000000000"
	humData      = "f000aa21-0451-4000-b000-000000000000"
	humConfig    = "f000aa22-0451-4000-b000-000000000000"
	batteryLevel = "2a19"
)

// fakeAdvertisement implements ble.Advertisement for scan tests
type fakeAdvertisement struct {
	name     string
	addr     string
	services []ble.UUID
}

func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return nil }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int              { return 127 }
func (a *fakeAdvertisement) Connectable() bool              { return true }
func (a *fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *fakeAdvertisement) RSSI() int                      { return -60 }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

// fakeCentral delivers its advertisements and then blocks until the scan ctx is cancelled
type fakeCentral struct {
	mock.Mock
	advs    []ble.Advertisement
	scanErr error
}

func (c *fakeCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	for _, adv := range c.advs {
		h(adv)
	}
	if c.scanErr != nil {
		return c.scanErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeCentral) Dial(ctx context.Context, a ble.Addr) (Client, error) {
	args := c.Called(a.String())
	if cl := args.Get(0); cl != nil {
		return cl.(Client), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockClient is a testify mock of the go-ble client
type mockClient struct {
	mock.Mock
	disconnected chan struct{}

	mu       sync.Mutex
	handlers map[string]ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{}), handlers: map[string]ble.NotificationHandler{}}
}

func (c *mockClient) Name() string { return c.Called().String(0) }

func (c *mockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := c.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (c *mockClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	args := c.Called(ch.UUID.String())
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (c *mockClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, noRsp bool) error {
	return c.Called(ch.UUID.String(), value, noRsp).Error(0)
}

func (c *mockClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	c.handlers[ch.UUID.String()] = h
	c.mu.Unlock()
	return c.Called(ch.UUID.String(), ind).Error(0)
}

func (c *mockClient) CancelConnection() error {
	err := c.Called().Error(0)
	select {
	case <-c.disconnected:
	default:
		close(c.disconnected)
	}
	return err
}

func (c *mockClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *mockClient) notify(char string, data []byte) {
	c.mu.Lock()
	h := c.handlers[ble.MustParse(char).String()]
	c.mu.Unlock()
	h(data)
}

func sensorTagProfile() *ble.Profile {
	return &ble.Profile{Services: []*ble.Service{
		{
			UUID: ble.MustParse(humService),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.MustParse(humData), Property: ble.CharRead | ble.CharNotify},
				{UUID: ble.MustParse(humConfig), Property: ble.CharRead | ble.CharWrite},
			},
		},
		{
			UUID: ble.MustParse("180f"),
			Characteristics: []*ble.Characteristic{
				{UUID: ble.MustParse(batteryLevel), Property: ble.CharRead},
			},
		},
	}}
}

type AdapterTestSuite struct {
	suite.Suite
	helper          *testutils.TestHelper
	central         *fakeCentral
	client          *mockClient
	adapter         *Adapter
	originalFactory func() (Central, error)
}

func (s *AdapterTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.central = &fakeCentral{}
	s.client = newMockClient()

	s.originalFactory = DeviceFactory
	DeviceFactory = func() (Central, error) { return s.central, nil }

	s.adapter = NewAdapter(s.helper.Logger)
}

func (s *AdapterTestSuite) TearDownTest() {
	DeviceFactory = s.originalFactory
}

func (s *AdapterTestSuite) connect(onDisconnect device.DisconnectHandler) device.Peripheral {
	s.central.On("Dial", tagAddr).Return(s.client, nil).Once()
	s.client.On("DiscoverProfile", true).Return(sensorTagProfile(), nil).Once()
	s.client.On("Name").Return("SensorTag")

	p, err := s.adapter.Connect(context.Background(), tagAddr, onDisconnect)
	s.Require().NoError(err)
	return p
}

func (s *AdapterTestSuite) TestScan_FiltersByServiceAndStops() {
	// GOAL: Scan delivers only advertisements carrying a filter service and returns nil after StopScan
	//
	// TEST SCENARIO: two advertisements, one carrying A002 → only that one is delivered → StopScan ends the scan cleanly

	s.central.advs = []ble.Advertisement{
		&fakeAdvertisement{name: "Tag", addr: tagAddr, services: []ble.UUID{ble.MustParse("a002")}},
		&fakeAdvertisement{name: "Other", addr: "aa:bb:cc:dd:ee:02"},
	}

	var mu sync.Mutex
	var seen []string
	scanErr := make(chan error, 1)
	go func() {
		scanErr <- s.adapter.Scan(context.Background(), []string{"A002"}, func(adv device.Advertisement) {
			mu.Lock()
			seen = append(seen, adv.LocalName())
			mu.Unlock()
		})
	}()

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	s.Require().NoError(s.adapter.StopScan(context.Background()))
	s.Require().NoError(<-scanErr, "scan stopped through StopScan MUST return nil")
	s.Equal([]string{"Tag"}, seen)
}

func (s *AdapterTestSuite) TestScan_Failure() {
	s.central.scanErr = errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")

	err := s.adapter.Scan(context.Background(), nil, func(device.Advertisement) {})

	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *AdapterTestSuite) TestScan_RejectsConcurrentScan() {
	go func() { _ = s.adapter.Scan(context.Background(), nil, func(device.Advertisement) {}) }()
	s.Eventually(func() bool {
		s.adapter.scanMu.Lock()
		defer s.adapter.scanMu.Unlock()
		return s.adapter.scanCancel != nil
	}, time.Second, 5*time.Millisecond)

	s.ErrorIs(s.adapter.Scan(context.Background(), nil, func(device.Advertisement) {}), device.ErrScanning)
	s.NoError(s.adapter.StopScan(context.Background()))
}

func (s *AdapterTestSuite) TestStopScan_Idle() {
	s.ErrorIs(s.adapter.StopScan(context.Background()), device.ErrNotScanning)
}

func (s *AdapterTestSuite) TestConnectWriteSubscribeDisconnect() {
	// GOAL: Verify the full GATT flow and that a local disconnect reports a nil error once
	//
	// TEST SCENARIO: connect → write activation → subscribe → notification copied → disconnect

	var disconnects []error
	p := s.connect(func(err error) { disconnects = append(disconnects, err) })
	s.Equal(device.Peripheral{ID: tagAddr, Name: "SensorTag"}, p)

	s.client.On("WriteCharacteristic", ble.MustParse(humConfig).String(), []byte{0x01}, false).Return(nil).Once()
	s.Require().NoError(s.adapter.Write(context.Background(), tagAddr, humService, humConfig, []byte{0x01}))

	var got []byte
	s.client.On("Subscribe", ble.MustParse(humData).String(), false).Return(nil).Once()
	s.Require().NoError(s.adapter.Subscribe(context.Background(), tagAddr, humService, humData, func(data []byte) {
		got = data
	}))

	payload := []byte{0x00, 0x80, 0x00, 0x80}
	s.client.notify(humData, payload)
	payload[0] = 0xFF
	s.Equal([]byte{0x00, 0x80, 0x00, 0x80}, got, "handler MUST receive a private copy of the payload")

	s.client.On("CancelConnection").Return(nil).Once()
	s.Require().NoError(s.adapter.Disconnect(context.Background(), tagAddr))
	s.Equal([]error{nil}, disconnects, "local disconnect MUST be reported once with a nil error")

	s.ErrorIs(s.adapter.Disconnect(context.Background(), tagAddr), device.ErrNotConnected)
	s.client.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestConnect_AlreadyConnected() {
	s.connect(nil)

	_, err := s.adapter.Connect(context.Background(), tagAddr, nil)
	s.ErrorIs(err, device.ErrAlreadyConnected)
}

func (s *AdapterTestSuite) TestConnect_DialFailure() {
	s.central.On("Dial", tagAddr).Return(nil, errors.New("device not connected")).Once()

	_, err := s.adapter.Connect(context.Background(), tagAddr, nil)

	s.ErrorIs(err, device.ErrNotConnected)
	_, ok := s.adapter.links.Get(tagAddr)
	s.False(ok, "failed dial MUST NOT leave a link behind")
}

func (s *AdapterTestSuite) TestConnect_DiscoveryFailureCancelsConnection() {
	s.central.On("Dial", tagAddr).Return(s.client, nil).Once()
	s.client.On("DiscoverProfile", true).Return(nil, errors.New("att: timeout")).Once()
	s.client.On("CancelConnection").Return(nil).Once()

	_, err := s.adapter.Connect(context.Background(), tagAddr, nil)

	s.ErrorIs(err, device.ErrTimeout)
	s.client.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestRemoteDisconnectIsReported() {
	reported := make(chan error, 1)
	s.connect(func(err error) { reported <- err })

	close(s.client.disconnected)

	select {
	case err := <-reported:
		s.ErrorIs(err, device.ErrNotConnected)
	case <-time.After(time.Second):
		s.FailNow("remote disconnect was not reported")
	}
	s.Eventually(func() bool {
		_, ok := s.adapter.links.Get(tagAddr)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func (s *AdapterTestSuite) TestGATT_NotFound() {
	s.connect(nil)

	err := s.adapter.Write(context.Background(), tagAddr, humService, "f000aa29-0451-4000-b000-000000000000", []byte{1})
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)

	_, err = s.adapter.Read(context.Background(), tagAddr, "180a", "2a24")
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
}

func (s *AdapterTestSuite) TestRead() {
	s.connect(nil)
	s.client.On("ReadCharacteristic", ble.MustParse(batteryLevel).String()).Return([]byte{87}, nil).Once()

	data, err := s.adapter.Read(context.Background(), tagAddr, "180F", "2A19")

	s.Require().NoError(err)
	s.Equal([]byte{87}, data)
}

func (s *AdapterTestSuite) TestSubscribe_RequiresNotifyProperty() {
	s.connect(nil)

	err := s.adapter.Subscribe(context.Background(), tagAddr, humService, humConfig, func([]byte) {})

	s.ErrorIs(err, device.ErrUnsupported)
}

func (s *AdapterTestSuite) TestOperationsOnUnknownPeripheral() {
	s.ErrorIs(s.adapter.Write(context.Background(), tagAddr, humService, humConfig, []byte{1}), device.ErrNotConnected)
	_, err := s.adapter.Read(context.Background(), tagAddr, humService, humData)
	s.ErrorIs(err, device.ErrNotConnected)
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}
