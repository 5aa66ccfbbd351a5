// Package poller decides when to take a reading and what to do with the
// outcome. It is the only place that chooses between retrying and alerting.
package poller

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
	"github.com/alepar/aranet/metrics"
	"github.com/alepar/aranet/report"
)

type Supervisor interface {
	RunBounded(ctx context.Context, timeout time.Duration) (aranet.Reading, error)
}

type Alerter interface {
	Alert(ctx context.Context, err error)
}

// Resetter re-initializes the BLE adapter after repeated failures.
type Resetter interface {
	Reset(ctx context.Context) error
}

type Poller struct {
	Supervisor Supervisor
	Reporter   report.Reporter
	Alerter    Alerter
	Resetter   Resetter // optional

	DeviceID        string
	PollingInterval time.Duration
	TickInterval    time.Duration
	ReadTimeout     time.Duration
	// consecutive failures before Resetter is called, 0 disables
	ResetAfterFailures int

	Now func() time.Time

	lastSuccess time.Time
	failures    int
}

// Run attempts a reading right away and then on every tick once
// PollingInterval has passed since the last success. Failed attempts are
// retried on the next tick. Run returns only when ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.TickInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if !p.lastSuccess.IsZero() && p.now().Sub(p.lastSuccess) < p.PollingInterval {
		return
	}
	_ = p.Once(ctx)
}

// Once runs a single cycle: one bounded attempt, then report or alert.
func (p *Poller) Once(ctx context.Context) error {
	start := time.Now()
	r, err := p.Supervisor.RunBounded(ctx, p.ReadTimeout)
	elapsed := time.Since(start).Seconds()

	if ctx.Err() != nil {
		// shutting down, nothing to alert about
		return ctx.Err()
	}

	if err != nil {
		metrics.ObserveAttempt(p.DeviceID, resultLabel(err), elapsed)
		p.failures++
		log.Errorf("Failed to read sensor (%d in a row): %s", p.failures, err)
		p.safely("alert", func() { p.Alerter.Alert(ctx, err) })
		p.maybeReset(ctx)
		return err
	}

	p.lastSuccess = p.now()
	p.failures = 0
	metrics.ObserveAttempt(p.DeviceID, "success", elapsed)
	metrics.ObserveReading(p.DeviceID, r)
	log.Printf("Received: co2=%dppm temperature=%.2fC (%.1fF) humidity=%d%% pressure=%.1fhPa",
		r.CO2, r.Temperature, r.TemperatureF, r.Humidity, r.Pressure)

	p.safely("report", func() {
		if err := p.Reporter.Report(ctx, p.DeviceID, r); err != nil {
			metrics.ReportFailed(p.DeviceID)
			log.Warnf("failed to report reading: %s", err)
		}
	})
	return nil
}

func (p *Poller) maybeReset(ctx context.Context) {
	if p.Resetter == nil || p.ResetAfterFailures <= 0 || p.failures < p.ResetAfterFailures {
		return
	}
	log.Warnf("%d consecutive failures, resetting adapter", p.failures)
	metrics.AdapterReset(p.DeviceID)
	p.failures = 0
	p.safely("reset", func() {
		if err := p.Resetter.Reset(ctx); err != nil {
			log.Errorf("adapter reset failed: %s", err)
		}
	})
}

func (p *Poller) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in %s: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

func (p *Poller) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func resultLabel(err error) string {
	var te *aranet.TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	return "failure"
}
