package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/tagwatch/internal/device"
)

// FakeAdvertisement is a plain device.Advertisement value
type FakeAdvertisement struct {
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Rssi          int      `json:"rssi"`
	ServiceIDs    []string `json:"services,omitempty"`
	ManufData     []byte   `json:"manufacturer_data,omitempty"`
	IsConnectable *bool    `json:"connectable,omitempty"`
}

func (a *FakeAdvertisement) LocalName() string        { return a.Name }
func (a *FakeAdvertisement) Services() []string       { return a.ServiceIDs }
func (a *FakeAdvertisement) ManufacturerData() []byte { return a.ManufData }
func (a *FakeAdvertisement) RSSI() int                { return a.Rssi }
func (a *FakeAdvertisement) Addr() string             { return a.Address }

func (a *FakeAdvertisement) Connectable() bool {
	return a.IsConnectable == nil || *a.IsConnectable
}

var _ device.Advertisement = (*FakeAdvertisement)(nil)

// AdvertisementBuilder builds FakeAdvertisement values with a fluent API
type AdvertisementBuilder struct {
	adv FakeAdvertisement
}

// NewAdvertisementBuilder creates a builder with a -50 dBm default RSSI
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{adv: FakeAdvertisement{Rssi: -50}}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.adv.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.adv.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.Rssi = rssi
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceIDs = append(b.adv.ServiceIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.adv.ManufData = data
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.adv.IsConnectable = &c
	return b
}

// FromJSON fills the advertisement from JSON
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)
	if err := json.Unmarshal([]byte(jsonStr), &b.adv); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	return b
}

// Build returns a copy of the configured advertisement
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := b.adv
	adv.ServiceIDs = append([]string(nil), b.adv.ServiceIDs...)
	return &adv
}
