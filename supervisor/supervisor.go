// Package supervisor runs one reading attempt in its own goroutine under a
// hard deadline, so that a wedged BLE stack cannot stall the caller.
package supervisor

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/alepar/aranet/aranet"
)

type Reader interface {
	Read(ctx context.Context) (aranet.Reading, error)
}

type ReaderFunc func(ctx context.Context) (aranet.Reading, error)

func (f ReaderFunc) Read(ctx context.Context) (aranet.Reading, error) { return f(ctx) }

type Supervisor struct {
	reader Reader

	// held by the attempt goroutine until it really returns, which can be
	// long after its caller gave up on it
	adapter *semaphore.Weighted
}

func New(r Reader) *Supervisor {
	return &Supervisor{reader: r, adapter: semaphore.NewWeighted(1)}
}

type outcome struct {
	reading aranet.Reading
	err     error
}

// RunBounded runs one attempt and returns exactly one of: its reading, its
// error, or a *aranet.TimeoutError once timeout has elapsed. On timeout the
// attempt's context is cancelled and anything it produces later is dropped.
func (s *Supervisor) RunBounded(ctx context.Context, timeout time.Duration) (aranet.Reading, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.adapter.Acquire(attemptCtx, 1); err != nil {
		return aranet.Reading{}, deadlineErr(ctx, timeout, aranet.ErrAdapterBusy)
	}

	results := make(chan outcome, 1)
	go func() {
		defer s.adapter.Release(1)
		results <- s.attempt(attemptCtx)
	}()

	select {
	case o := <-results:
		if o.err != nil && attemptCtx.Err() != nil {
			return aranet.Reading{}, deadlineErr(ctx, timeout, nil)
		}
		return o.reading, o.err
	case <-attemptCtx.Done():
		log.Warnf("reading attempt abandoned after %s", timeout)
		return aranet.Reading{}, deadlineErr(ctx, timeout, nil)
	}
}

func (s *Supervisor) attempt(ctx context.Context) (o outcome) {
	defer func() {
		if r := recover(); r != nil {
			o = outcome{err: errors.Wrapf(aranet.ErrAttemptPanicked, "%v\n%s", r, debug.Stack())}
		}
	}()
	r, err := s.reader.Read(ctx)
	return outcome{reading: r, err: err}
}

// deadlineErr tells a shutdown of the parent context apart from the attempt's
// own deadline.
func deadlineErr(parent context.Context, timeout time.Duration, cause error) error {
	if err := parent.Err(); err != nil {
		return errors.Wrap(err, "reading attempt cancelled")
	}
	return &aranet.TimeoutError{After: timeout, Cause: cause}
}
