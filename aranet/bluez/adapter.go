// Package bluez drives the sensor through bluetoothd: tinygo's bluetooth
// package for scanning and GATT, plain D-Bus for adapter power state and
// pairing.
package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/alepar/aranet/aranet"
)

const (
	bluezBus            = "org.bluez"
	adapterInterface    = "org.bluez.Adapter1"
	deviceInterface     = "org.bluez.Device1"
	propertiesInterface = "org.freedesktop.DBus.Properties"
	propertiesChanged   = propertiesInterface + ".PropertiesChanged"

	stopScanRetry = 100 * time.Millisecond
)

type Adapter struct {
	Name string

	adapter *bluetooth.Adapter
	bus     *dbus.Conn
	agent   *Agent

	mu     sync.Mutex
	active *conn
}

// Open enables the named adapter. When pins is not nil a pairing agent is
// registered with bluetoothd for the lifetime of the adapter.
func Open(name string, pins aranet.PINSource) (*Adapter, error) {
	bt := bluetooth.NewAdapter(name)
	if err := bt.Enable(); err != nil {
		return nil, errors.Wrapf(err, "ble enable (%s)", name)
	}

	// shared connection, never closed here
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}

	a := &Adapter{Name: name, adapter: bt, bus: bus}
	if pins != nil {
		agent, err := RegisterAgent(bus, pins)
		if err != nil {
			return nil, err
		}
		a.agent = agent
	}
	return a, nil
}

func (a *Adapter) path() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + a.Name)
}

func (a *Adapter) PowerState(ctx context.Context) (bool, <-chan bool, error) {
	path := a.path()
	v, err := a.bus.Object(bluezBus, path).GetProperty(adapterInterface + ".Powered")
	if err != nil {
		return false, nil, errors.Wrapf(err, "couldn't read %s power state", a.Name)
	}
	powered, _ := v.Value().(bool)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := a.bus.AddMatchSignal(match...); err != nil {
		return false, nil, errors.Wrap(err, "couldn't subscribe to adapter changes")
	}
	signals := make(chan *dbus.Signal, 8)
	a.bus.Signal(signals)

	changes := make(chan bool, 1)
	go func() {
		defer func() {
			a.bus.RemoveSignal(signals)
			if err := a.bus.RemoveMatchSignal(match...); err != nil {
				log.Debugf("failed to remove adapter signal match: %s", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				p, ok := poweredChange(sig, path)
				if !ok {
					continue
				}
				select {
				case changes <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return powered, changes, nil
}

// poweredChange extracts Adapter1.Powered from a PropertiesChanged signal.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (bool, bool) {
	if sig == nil || sig.Path != path || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterInterface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	p, ok := v.Value().(bool)
	return p, ok
}

func (a *Adapter) Scan(ctx context.Context, handler func(aranet.Advertisement)) error {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		// StopScan fails if the scan has not started yet; keep trying until it
		// has and is stopped.
		for {
			if err := a.adapter.StopScan(); err == nil {
				return
			}
			select {
			case <-stopped:
				return
			case <-time.After(stopScanRetry):
			}
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		handler(advertisement{r: r})
	})
	close(stopped)

	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ble scan")
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context, p aranet.Peripheral) (aranet.Conn, error) {
	adv, ok := p.(advertisement)
	if !ok {
		return nil, errors.Errorf("peripheral %s was not discovered through bluez", p.Address())
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	connected := make(chan result, 1)
	go func() {
		dev, err := a.adapter.Connect(adv.r.Address, bluetooth.ConnectionParams{})
		connected <- result{dev, err}
	}()

	select {
	case res := <-connected:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "couldn't connect to %s", p.Address())
		}
		c := &conn{dev: res.dev, bus: a.bus, path: devicePath(a.Name, p.Address()), connected: true}
		a.mu.Lock()
		a.active = c
		a.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		// the connect may still complete; make sure it does not linger
		go func() {
			if res := <-connected; res.err == nil {
				_ = res.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close stops scanning, drops the active connection and unregisters the
// pairing agent.
func (a *Adapter) Close() {
	if err := a.adapter.StopScan(); err != nil {
		log.Debugf("stop scan: %s", err)
	}

	a.mu.Lock()
	active := a.active
	a.active = nil
	a.mu.Unlock()
	if active != nil && active.Connected() {
		if err := active.Disconnect(); err != nil {
			log.Warnf("failed to close connection: %s", err)
		}
	}

	if a.agent != nil {
		if err := a.agent.Unregister(); err != nil {
			log.Warnf("failed to unregister pairing agent: %s", err)
		}
	}
}

func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(address), ":", "_")))
}

func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return s
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

type advertisement struct {
	r bluetooth.ScanResult
}

func (a advertisement) Name() string    { return a.r.LocalName() }
func (a advertisement) Address() string { return a.r.Address.String() }
func (a advertisement) RSSI() int       { return int(a.r.RSSI) }
