package profile

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	A002Name    = "sensortag-a002"
	HDC1000Name = "sensortag-hdc1000"
	SHT21Name   = "sensortag-sht21"
)

// SensorTag humidity service (HDC1000 on CC2650, SHT21 on CC2541)
const (
	HumidityService        = "f000aa20-0451-4000-b000-000000000000"
	HumidityData           = "f000aa21-0451-4000-b000-000000000000"
	HumidityConfig         = "f000aa22-0451-4000-b000-000000000000"
	HumidityActivationByte = 0x01
)

// Custom firmware exposing a float temperature
const (
	A002Service = "A002"
	A002Data    = "A005"
)

// NewA002 is the custom-firmware profile: one little-endian float32 temperature per notification
func NewA002() *Profile {
	return &Profile{
		Name:         A002Name,
		Description:  "custom firmware, service A002, float32 temperature",
		Service:      A002Service,
		Data:         A002Data,
		ScanServices: []string{A002Service},
		Decoder:      DecoderFunc(decodeFloat32Temperature),
	}
}

// NewHDC1000 is the CC2650 SensorTag humidity profile
func NewHDC1000() *Profile {
	return &Profile{
		Name:        HDC1000Name,
		Description: "CC2650 SensorTag HDC1000 temperature/humidity",
		Service:     HumidityService,
		Data:        HumidityData,
		Activation: &Activation{
			Characteristic: HumidityConfig,
			Value:          []byte{HumidityActivationByte},
		},
		Decoder: DecoderFunc(decodeHDC1000),
	}
}

// NewSHT21 is the CC2541 SensorTag humidity profile
func NewSHT21() *Profile {
	p := NewHDC1000()
	p.Name = SHT21Name
	p.Description = "CC2541 SensorTag SHT21 temperature/humidity"
	p.Decoder = DecoderFunc(decodeSHT21)
	return p
}

func decodeFloat32Temperature(payload []byte) (Reading, error) {
	if len(payload) < 4 {
		return Reading{}, fmt.Errorf("%w: want 4 bytes, got %d", ErrShortPayload, len(payload))
	}
	v := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[:4])))
	if !isFinite(v) {
		return Reading{}, fmt.Errorf("%w: temperature %v", ErrNotFinite, v)
	}
	return Reading{Temperature: Round2(v)}, nil
}

func rawPair(payload []byte) (uint16, uint16, error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("%w: want 4 bytes, got %d", ErrShortPayload, len(payload))
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint16(payload[2:4]), nil
}

func decodeHDC1000(payload []byte) (Reading, error) {
	rawTemp, rawHum, err := rawPair(payload)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Temperature: Round2(float64(rawTemp)/65536*165 - 40),
		Humidity:    Round2(float64(rawHum) / 65536 * 100),
		HasHumidity: true,
	}, nil
}

func decodeSHT21(payload []byte) (Reading, error) {
	rawTemp, rawHum, err := rawPair(payload)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Temperature: Round2(-46.85 + 175.72*(float64(rawTemp)/65536)),
		Humidity:    Round2(-6.0 + 125.0*(float64(rawHum&0xFFFC)/65536)),
		HasHumidity: true,
	}, nil
}
