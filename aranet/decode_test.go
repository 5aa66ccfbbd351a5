package aranet

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := []byte{0xE8, 0x03, 0xF0, 0x00, 0xC8, 0x27, 0x32}

	r, err := DecodeAt(raw, now)
	require.NoError(t, err)

	assert.Equal(t, uint16(1000), r.CO2)
	assert.InDelta(t, 12.0, r.Temperature, 1e-9)
	assert.InDelta(t, 53.6, r.TemperatureF, 1e-9)
	assert.InDelta(t, 1018.4, r.Pressure, 1e-9)
	assert.Equal(t, uint8(50), r.Humidity)
	assert.Equal(t, now, r.Timestamp)
	assert.Equal(t, "2026-03-01T10:00:00.000Z", r.ISOTimestamp())
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	raw := []byte{0xE8, 0x03, 0xF0, 0x00, 0xC8, 0x27, 0x32, 0x5A, 0x01}

	r, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), r.CO2)
	assert.Equal(t, uint8(50), r.Humidity)
}

func TestDecodeNegativeTemperature(t *testing.T) {
	// -5.5 °C => raw -110 => 0xFF92
	raw := []byte{0x00, 0x00, 0x92, 0xFF, 0x00, 0x00, 0x00}

	r, err := Decode(raw)
	require.NoError(t, err)
	assert.InDelta(t, -5.5, r.Temperature, 1e-9)
}

func TestDecodePassesThroughOutOfRange(t *testing.T) {
	raw := []byte{0xFF, 0xFF, 0x00, 0x00, 0xFF, 0xFF, 0xFA}

	r, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), r.CO2)
	assert.Equal(t, uint8(250), r.Humidity)
	assert.InDelta(t, 6553.5, r.Pressure, 1e-9)
}

func TestDecodeFormulas(t *testing.T) {
	payloads := [][]byte{
		{0x90, 0x01, 0x2C, 0x01, 0x10, 0x27, 0x28},
		{0x00, 0x10, 0x00, 0x80, 0x01, 0x00, 0x00},
		{0x34, 0x12, 0xFF, 0x7F, 0xFF, 0xFF, 0x64, 0x00},
	}
	now := time.Unix(0, 0)
	for _, raw := range payloads {
		a, err := DecodeAt(raw, now)
		require.NoError(t, err)
		b, err := DecodeAt(append([]byte(nil), raw...), now)
		require.NoError(t, err)
		assert.Equal(t, a, b)

		assert.Equal(t, uint16(raw[0])|uint16(raw[1])<<8, a.CO2)
		assert.Equal(t, float64(int16(uint16(raw[2])|uint16(raw[3])<<8))/20, a.Temperature)
		assert.Equal(t, float64(uint16(raw[4])|uint16(raw[5])<<8)/10, a.Pressure)
		assert.Equal(t, raw[6], a.Humidity)
	}
}

func TestDecodeTooShort(t *testing.T) {
	for n := 0; n < MinPayloadLen; n++ {
		_, err := Decode(make([]byte, n))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTooShort), "len %d: %v", n, err)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, n, de.Len)
	}
}

func TestDecodeFiveBytes(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3, 4, 5})
	assert.True(t, errors.Is(err, ErrTooShort))
	assert.Contains(t, err.Error(), "got 5 bytes")
}

func TestDecodeNil(t *testing.T) {
	_, err := Decode(nil)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "fce0", NormalizeUUID("0000FCE0-0000-1000-8000-00805F9B34FB"))
	assert.Equal(t, "fce0", NormalizeUUID("fce0"))
	assert.Equal(t, CurrentReadingsUUID, NormalizeUUID("f0cd1503-95da-4f4b-9ac8-aa55d312af0c"))
	assert.True(t, SameUUID(ServiceUUID, "0000fce0-0000-1000-8000-00805f9b34fb"))
	assert.False(t, SameUUID(ServiceUUID, CurrentReadingsUUID))
}
