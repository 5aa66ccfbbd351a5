package aranet

import "time"

// Reading is one decoded sample of the current-readings characteristic.
type Reading struct {
	// units: ppm
	CO2 uint16

	// units: degrees Celsius
	Temperature float64

	// units: degrees Fahrenheit, derived from Temperature
	TemperatureF float64

	// units: % of relative Humidity
	Humidity uint8

	// units: hPa
	Pressure float64

	// time of read, not time of measurement on the device
	Timestamp time.Time
}

// ISOTimestamp renders Timestamp the way the reporting endpoint expects it.
func (r Reading) ISOTimestamp() string {
	return r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}
