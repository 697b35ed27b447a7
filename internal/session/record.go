package session

import (
	"fmt"
	"time"

	"github.com/srg/tagwatch/internal/profile"
)

// Placeholder is shown in place of a reading that has not arrived yet
const Placeholder = "-"

// DeviceInfo holds the optional Device Information and Battery service values
type DeviceInfo struct {
	SystemID     string `json:"system_id,omitempty"`
	Model        string `json:"model,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
	Hardware     string `json:"hardware,omitempty"`
	Software     string `json:"software,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Battery      *int   `json:"battery,omitempty"`
}

// DeviceRecord is one connected tag and its last reading
type DeviceRecord struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Temperature float64     `json:"temperature"`
	Humidity    float64     `json:"humidity"`
	HasReading  bool        `json:"has_reading"`
	HasHumidity bool        `json:"has_humidity"`
	State       LinkState   `json:"state"`
	UpdatedAt   time.Time   `json:"updated_at,omitempty"`
	Info        *DeviceInfo `json:"info,omitempty"`
}

// DisplayName returns the advertised name, falling back to the ID
func (r DeviceRecord) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// TemperatureText formats the temperature for display
func (r DeviceRecord) TemperatureText() string {
	if !r.HasReading {
		return Placeholder
	}
	return fmt.Sprintf("%.2f", r.Temperature)
}

// HumidityText formats the humidity for display
func (r DeviceRecord) HumidityText() string {
	if !r.HasReading || !r.HasHumidity {
		return Placeholder
	}
	return fmt.Sprintf("%.2f", r.Humidity)
}

func (r *DeviceRecord) apply(reading profile.Reading, at time.Time) {
	r.Temperature = reading.Temperature
	r.Humidity = reading.Humidity
	r.HasHumidity = reading.HasHumidity
	r.HasReading = true
	r.UpdatedAt = at
}

func (r *DeviceRecord) clearReading() {
	r.Temperature = 0
	r.Humidity = 0
	r.HasReading = false
	r.HasHumidity = false
}

func (r *DeviceRecord) clone() DeviceRecord {
	c := *r
	if r.Info != nil {
		info := *r.Info
		if r.Info.Battery != nil {
			b := *r.Info.Battery
			info.Battery = &b
		}
		c.Info = &info
	}
	return c
}

// Snapshot is a read-only copy of the session state
type Snapshot struct {
	Scanning bool           `json:"scanning"`
	Status   string         `json:"status"`
	Devices  []DeviceRecord `json:"devices"`
}
