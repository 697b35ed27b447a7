package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Client is the part of ble.Client the adapter uses on an established link
type Client interface {
	Name() string
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
}

// Central is the part of ble.Device the adapter drives
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (Client, error)
}

// deviceCentral narrows a ble.Device to Central
type deviceCentral struct {
	dev ble.Device
}

func (d deviceCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return d.dev.Scan(ctx, allowDup, h)
}

func (d deviceCentral) Dial(ctx context.Context, a ble.Addr) (Client, error) {
	cln, err := d.dev.Dial(ctx, a)
	if err != nil {
		return nil, err
	}
	return cln, nil
}

// DeviceFactory creates the platform Central (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Central, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return deviceCentral{dev: dev}, nil
}
