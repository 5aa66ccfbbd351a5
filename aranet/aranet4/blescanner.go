package aranet4

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

// Watcher waits for the adapter to power on, then scans until an
// advertisement whose local name contains NameFilter shows up.
type Watcher struct {
	Adapter    aranet.Adapter
	NameFilter string

	// Recover runs once after a failed scan, before the scan is retried.
	// Nil means scan failures are returned as they are.
	Recover func(ctx context.Context) error
}

func (w *Watcher) WaitForDevice(ctx context.Context) (aranet.Peripheral, error) {
	// cancelling releases the power-state subscription
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.waitPowered(ctx); err != nil {
		return nil, err
	}

	p, err := w.scan(ctx)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return nil, errors.Wrap(ctx.Err(), "scan for devices cancelled")
	}
	if w.Recover == nil {
		return nil, &aranet.DiscoveryError{Err: err}
	}

	log.Warnf("scan failed, trying adapter recovery: %s", err)
	if rerr := w.Recover(ctx); rerr != nil {
		return nil, &aranet.DiscoveryError{Err: errors.Wrapf(err, "adapter recovery failed (%s)", rerr)}
	}
	p, err = w.scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "scan for devices cancelled")
		}
		return nil, &aranet.DiscoveryError{Err: errors.Wrap(err, "scan failed after adapter recovery")}
	}
	return p, nil
}

func (w *Watcher) waitPowered(ctx context.Context) error {
	powered, changes, err := w.Adapter.PowerState(ctx)
	if err != nil {
		return &aranet.DiscoveryError{Err: errors.Wrap(err, "couldn't read adapter state")}
	}
	if !powered {
		log.Infof("waiting for adapter to power on")
	}
	for !powered {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for adapter power on")
		case p, ok := <-changes:
			if !ok {
				return &aranet.DiscoveryError{Err: errors.New("adapter state subscription closed")}
			}
			powered = p
		}
	}
	return nil
}

func (w *Watcher) scan(ctx context.Context) (aranet.Peripheral, error) {
	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()

	found := make(chan aranet.Peripheral, 1)
	var once sync.Once
	onAdvertisement := func(a aranet.Advertisement) {
		if !strings.Contains(a.Name(), w.NameFilter) {
			return
		}
		once.Do(func() {
			found <- a
			stopScan()
		})
	}

	log.Debugf("scanning for %q", w.NameFilter)
	scanDone := make(chan error, 1)
	go func() {
		scanDone <- w.Adapter.Scan(scanCtx, onAdvertisement)
	}()

	select {
	case p := <-found:
		// let the stack leave scan mode before anyone connects
		select {
		case <-scanDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		log.WithFields(log.Fields{"name": p.Name(), "address": p.Address()}).Debugf("device found")
		return p, nil
	case err := <-scanDone:
		select {
		case p := <-found:
			return p, nil
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			return nil, errors.New("scan stopped before device was found")
		}
		return nil, errors.Wrap(err, "failed to scan for devices")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
