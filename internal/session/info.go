package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Device Information (0x180A) and Battery (0x180F) services
const (
	DeviceInfoService = "180a"
	SystemIDChar      = "2a23"
	ModelNumberChar   = "2a24"
	FirmwareRevChar   = "2a26"
	HardwareRevChar   = "2a27"
	SoftwareRevChar   = "2a28"
	ManufacturerChar  = "2a29"
	BatteryService    = "180f"
	BatteryLevelChar  = "2a19"
)

// readDeviceInfo reads whatever device information the peripheral exposes.
// Each read is best effort; returns nil when nothing could be read.
func (c *Controller) readDeviceInfo(ctx context.Context, id string) *DeviceInfo {
	info := &DeviceInfo{}
	found := false

	readString := func(char string, dst *string) {
		data, ok := c.readOptional(ctx, id, DeviceInfoService, char)
		if !ok {
			return
		}
		*dst = strings.TrimRight(string(data), "\x00 ")
		found = true
	}
	if data, ok := c.readOptional(ctx, id, DeviceInfoService, SystemIDChar); ok && len(data) > 0 {
		info.SystemID = formatSystemID(data)
		found = true
	}
	readString(ModelNumberChar, &info.Model)
	readString(FirmwareRevChar, &info.Firmware)
	readString(HardwareRevChar, &info.Hardware)
	readString(SoftwareRevChar, &info.Software)
	readString(ManufacturerChar, &info.Manufacturer)

	if data, ok := c.readOptional(ctx, id, BatteryService, BatteryLevelChar); ok && len(data) > 0 {
		level := int(data[0])
		info.Battery = &level
		found = true
	}

	if !found {
		return nil
	}
	return info
}

// formatSystemID renders the little-endian System ID most significant byte first, colon separated
func formatSystemID(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[len(data)-1-i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

func (c *Controller) readOptional(ctx context.Context, id, service, char string) ([]byte, bool) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	data, err := c.adapter.Read(opCtx, id, service, char)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address":        id,
			"service":        service,
			"characteristic": char,
			"error":          err,
		}).Debug("Device information not available")
		return nil, false
	}
	return data, true
}

func (c *Controller) updateInfo(l *link, info *DeviceInfo) {
	if info == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.links[l.id] != l {
		return
	}
	if rec, ok := c.devices.Get(l.id); ok {
		rec.Info = info
		c.publishRecordLocked(EventDeviceUpdated, rec)
	}
}
