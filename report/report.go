// Package report delivers readings to remote sinks. Delivery is best effort:
// callers log failures and carry on.
package report

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/alepar/aranet/aranet"
)

type Reporter interface {
	Report(ctx context.Context, deviceID string, r aranet.Reading) error
}

// Payload is the JSON document sent for one reading.
type Payload struct {
	DeviceID string   `json:"deviceId"`
	Readings Readings `json:"readings"`
}

type Readings struct {
	CO2         uint16  `json:"co2"`
	Temperature float64 `json:"temperature"`
	Humidity    uint8   `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Timestamp   string  `json:"timestamp"`
}

func NewPayload(deviceID string, r aranet.Reading) Payload {
	return Payload{
		DeviceID: deviceID,
		Readings: Readings{
			CO2:         r.CO2,
			Temperature: r.Temperature,
			Humidity:    r.Humidity,
			Pressure:    r.Pressure,
			Timestamp:   r.ISOTimestamp(),
		},
	}
}

// ReportingError is a failed delivery to one sink.
type ReportingError struct {
	Sink       string
	StatusCode int
	Err        error
}

func (e *ReportingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("report to %s: unexpected status %d", e.Sink, e.StatusCode)
	}
	return fmt.Sprintf("report to %s: %s", e.Sink, e.Err)
}

func (e *ReportingError) Unwrap() error { return e.Err }

// Multi reports to every sink, even when earlier ones fail.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, deviceID string, r aranet.Reading) error {
	var err error
	for _, rep := range m {
		err = multierr.Append(err, rep.Report(ctx, deviceID, r))
	}
	return err
}
