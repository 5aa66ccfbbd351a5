// Package hci talks to the controller directly over an HCI socket using
// go-ble. The kernel's bluetoothd must not be holding the adapter.
package hci

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

const openRetries = 3

// DeviceFactory opens the HCI device; tests replace it.
var DeviceFactory = func(id int) (ble.Device, error) {
	return linux.NewDevice(ble.OptDeviceID(id))
}

type Adapter struct {
	DeviceID int

	mu     sync.Mutex
	dev    ble.Device
	active *conn
}

// Open opens hciN, retrying with backoff while the device is busy.
func Open(ctx context.Context, deviceID int) (*Adapter, error) {
	a := &Adapter{DeviceID: deviceID}
	if err := a.open(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) open(ctx context.Context) error {
	op := func() error {
		d, err := DeviceFactory(a.DeviceID)
		if err != nil {
			return errors.Wrapf(err, "failed to open ble (hci%d)", a.DeviceID)
		}
		a.mu.Lock()
		a.dev = d
		a.mu.Unlock()
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), openRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.Warnf("retrying in %s: %s", wait, err)
	})
}

// Reset closes and reopens the HCI device.
func (a *Adapter) Reset(ctx context.Context) error {
	log.Infof("resetting hci%d", a.DeviceID)
	a.Close()
	return a.open(ctx)
}

// Close drops the active connection, if any, and releases the device. Any
// scan in progress ends with it.
func (a *Adapter) Close() {
	a.mu.Lock()
	dev, active := a.dev, a.active
	a.dev, a.active = nil, nil
	a.mu.Unlock()

	if active != nil && active.Connected() {
		if err := active.Disconnect(); err != nil {
			log.Warnf("failed to close connection: %s", err)
		}
	}
	if dev != nil {
		if err := dev.Stop(); err != nil {
			log.Warnf("failed to stop ble device: %s", err)
		}
	}
}

func (a *Adapter) device() (ble.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dev == nil {
		return nil, errors.Errorf("hci%d is not open", a.DeviceID)
	}
	return a.dev, nil
}

// PowerState reports the adapter as powered whenever the device is open. The
// raw HCI socket has no power-change events, so the channel never fires.
func (a *Adapter) PowerState(ctx context.Context) (bool, <-chan bool, error) {
	if _, err := a.device(); err != nil {
		return false, nil, err
	}
	return true, nil, nil
}

func (a *Adapter) Scan(ctx context.Context, handler func(aranet.Advertisement)) error {
	d, err := a.device()
	if err != nil {
		return err
	}
	err = d.Scan(ctx, false, func(adv ble.Advertisement) {
		if !adv.Connectable() {
			return
		}
		handler(advertisement{adv: adv})
	})
	switch errors.Cause(err) {
	case nil:
	case context.DeadlineExceeded, context.Canceled:
		if ctx.Err() == nil {
			return errors.Wrap(err, "scan for devices cancelled")
		}
	default:
		return errors.Wrap(err, "failed to scan for devices")
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context, p aranet.Peripheral) (aranet.Conn, error) {
	d, err := a.device()
	if err != nil {
		return nil, err
	}

	var addr ble.Addr
	if adv, ok := p.(advertisement); ok {
		addr = adv.adv.Addr()
	} else {
		addr = ble.NewAddr(p.Address())
	}

	cln, err := d.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't dial %s", addr)
	}
	c := newConn(cln)

	a.mu.Lock()
	a.active = c
	a.mu.Unlock()
	return c, nil
}

type advertisement struct {
	adv ble.Advertisement
}

func (a advertisement) Name() string    { return a.adv.LocalName() }
func (a advertisement) Address() string { return a.adv.Addr().String() }
func (a advertisement) RSSI() int       { return a.adv.RSSI() }
