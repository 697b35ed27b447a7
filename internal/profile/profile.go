// Package profile describes the sensor tag hardware variants the session can drive.
//
// A Profile bundles the GATT identifiers of the sensor service, the optional
// activation write that must precede notifications, the default scan filter, and
// the Decoder that turns a notification payload into a Reading. Profiles are
// mutually exclusive deployments of the same session flow and are chosen once,
// when the session is created.
package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrShortPayload is returned when a notification is shorter than the profile's layout
var ErrShortPayload = errors.New("payload too short")

// ErrNotFinite is returned when a payload decodes to NaN or an infinity
var ErrNotFinite = errors.New("reading is not a finite number")

// Reading is one decoded sensor sample
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity,omitempty"`
	HasHumidity bool    `json:"has_humidity"`
}

// Decoder converts a raw notification payload into a Reading
type Decoder interface {
	Decode(payload []byte) (Reading, error)
}

// DecoderFunc adapts a function to the Decoder interface
type DecoderFunc func(payload []byte) (Reading, error)

func (f DecoderFunc) Decode(payload []byte) (Reading, error) {
	return f(payload)
}

// Activation is a write that switches the sensor on before subscribing
type Activation struct {
	Characteristic string
	Value          []byte
}

// Profile is a hardware variant of the sensor session
type Profile struct {
	Name        string
	Description string

	// Service holds the data (and config) characteristics.
	Service string
	// Data is the notifying characteristic carrying sensor payloads.
	Data string
	// Activation, when set, is written before subscribing to Data.
	Activation *Activation
	// ScanServices is the default discovery filter; empty means unfiltered.
	ScanServices []string

	Decoder Decoder
}

// Validate checks that the profile is usable by a session
func (p *Profile) Validate() error {
	if p == nil {
		return errors.New("profile is nil")
	}
	if p.Service == "" || p.Data == "" {
		return fmt.Errorf("profile %q: service and data characteristic are required", p.Name)
	}
	if p.Decoder == nil {
		return fmt.Errorf("profile %q: decoder is required", p.Name)
	}
	if p.Activation != nil && (p.Activation.Characteristic == "" || len(p.Activation.Value) == 0) {
		return fmt.Errorf("profile %q: activation needs a characteristic and a value", p.Name)
	}
	return nil
}

// Decode runs the profile decoder and rejects non-finite values
func (p *Profile) Decode(payload []byte) (Reading, error) {
	r, err := p.Decoder.Decode(payload)
	if err != nil {
		return Reading{}, err
	}
	if err := r.validate(); err != nil {
		return Reading{}, err
	}
	return r, nil
}

func (r Reading) validate() error {
	if !isFinite(r.Temperature) {
		return fmt.Errorf("%w: temperature %v", ErrNotFinite, r.Temperature)
	}
	if !isFinite(r.Humidity) {
		return fmt.Errorf("%w: humidity %v", ErrNotFinite, r.Humidity)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Round2 rounds half away from zero to two decimal places
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var builtins = map[string]func() *Profile{
	A002Name:    NewA002,
	HDC1000Name: NewHDC1000,
	SHT21Name:   NewSHT21,
}

// Lookup returns a fresh copy of a built-in profile
func Lookup(name string) (*Profile, error) {
	ctor, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

// Names lists the built-in profile names in sorted order
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
