// Package alert emails diagnostics when a reading cannot be taken. Sending is
// best effort: failures are logged and never retried.
package alert

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/alepar/aranet/metrics"
)

const sendTimeout = 30 * time.Second

// AlertingError is a failed alert delivery. It is only ever logged.
type AlertingError struct {
	Err error
}

func (e *AlertingError) Error() string { return "alert: " + e.Err.Error() }

func (e *AlertingError) Unwrap() error { return e.Err }

type Alerter struct {
	mailer   Mailer
	deviceID string
	to       string
	from     string
	started  time.Time

	limiter    *rate.Limiter
	mu         sync.Mutex
	suppressed int
}

// New returns an Alerter sending at most one email per minInterval; zero
// disables throttling.
func New(m Mailer, deviceID, to, from string, minInterval time.Duration) *Alerter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Alerter{
		mailer:   m,
		deviceID: deviceID,
		to:       to,
		from:     from,
		started:  time.Now(),
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (a *Alerter) Alert(ctx context.Context, cause error) {
	cause = withStack(cause)

	a.mu.Lock()
	if !a.limiter.Allow() {
		a.suppressed++
		a.mu.Unlock()
		log.Infof("alert suppressed: %s", cause)
		metrics.Alert(a.deviceID, "suppressed")
		return
	}
	suppressed := a.suppressed
	a.suppressed = 0
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	msg := Message{
		To:      a.to,
		From:    a.from,
		Subject: fmt.Sprintf("[aranet4] reading failed on %s", a.deviceID),
		Text:    a.compose(ctx, time.Now(), cause, suppressed),
	}
	if err := a.mailer.Send(ctx, msg); err != nil {
		log.Errorf("failed to send alert: %s", &AlertingError{Err: err})
		metrics.Alert(a.deviceID, "failed")
		return
	}
	log.Infof("alert sent to %s", a.to)
	metrics.Alert(a.deviceID, "sent")
}

// SelfTest sends a test email so that mail settings can be checked at startup.
func (a *Alerter) SelfTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Test email from the aranet4 reporter for device %s.\n\n", a.deviceID)
	b.WriteString(diagnostics(ctx, a.started))
	err := a.mailer.Send(ctx, Message{
		To:      a.to,
		From:    a.from,
		Subject: fmt.Sprintf("[aranet4] test email from %s", a.deviceID),
		Text:    b.String(),
	})
	if err != nil {
		return &AlertingError{Err: err}
	}
	return nil
}

func (a *Alerter) compose(ctx context.Context, now time.Time, cause error, suppressed int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reading from the Aranet4 sensor failed.\n\n")
	fmt.Fprintf(&b, "time:      %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "device id: %s\n", a.deviceID)
	fmt.Fprintf(&b, "error:     %s\n", cause)
	if suppressed > 0 {
		fmt.Fprintf(&b, "\n%d alert(s) suppressed since the last email.\n", suppressed)
	}
	fmt.Fprintf(&b, "\nstack trace:\n%+v\n\n", cause)
	b.WriteString(diagnostics(ctx, a.started))
	return b.String()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// withStack records where the failure was handled unless err carries a stack
// itself. Typed errors still print the stacks of the errors they wrap.
func withStack(err error) error {
	if _, ok := err.(stackTracer); ok {
		return err
	}
	return errors.WithStack(err)
}

func diagnostics(ctx context.Context, started time.Time) string {
	var b strings.Builder
	b.WriteString("diagnostics:\n")
	fmt.Fprintf(&b, "  process uptime: %s\n", time.Since(started).Round(time.Second))
	fmt.Fprintf(&b, "  pid: %d\n", os.Getpid())
	fmt.Fprintf(&b, "  goroutines: %d\n", runtime.NumGoroutine())

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	fmt.Fprintf(&b, "  go heap: alloc=%s sys=%s gc=%d\n", mib(ms.HeapAlloc), mib(ms.Sys), ms.NumGC)

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			fmt.Fprintf(&b, "  memory: rss=%s vms=%s\n", mib(mi.RSS), mib(mi.VMS))
		}
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "  host uptime: %s\n", time.Duration(up)*time.Second)
	}
	return b.String()
}

func mib(n uint64) string {
	return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
}
