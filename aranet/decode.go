package aranet

import (
	"encoding/binary"
	"time"
)

// MinPayloadLen is the shortest current-readings payload that can be decoded.
// Real devices append battery and status bytes which are ignored here.
const MinPayloadLen = 7

// Decode converts a raw current-readings payload into a Reading stamped with
// the current wall-clock time.
func Decode(raw []byte) (Reading, error) {
	return DecodeAt(raw, time.Now())
}

// DecodeAt is Decode with an explicit timestamp.
//
// Layout (little-endian):
//
//	[0:2] co2 ppm, uint16
//	[2:4] temperature, int16, °C * 20
//	[4:6] pressure, uint16, hPa * 10
//	[6]   humidity %, uint8
//
// Values are passed through without range checks.
func DecodeAt(raw []byte, now time.Time) (Reading, error) {
	if raw == nil {
		return Reading{}, &DecodeError{Err: ErrInvalidInput}
	}
	if len(raw) < MinPayloadLen {
		return Reading{}, &DecodeError{Err: ErrTooShort, Len: len(raw)}
	}

	co2 := binary.LittleEndian.Uint16(raw[0:2])
	rawTemp := int16(binary.LittleEndian.Uint16(raw[2:4]))
	rawPressure := binary.LittleEndian.Uint16(raw[4:6])

	temperature := float64(rawTemp) / 20.0
	return Reading{
		CO2:          co2,
		Temperature:  temperature,
		TemperatureF: celsiusToFahrenheit(temperature),
		Humidity:     raw[6],
		Pressure:     float64(rawPressure) / 10.0,
		Timestamp:    now,
	}, nil
}
