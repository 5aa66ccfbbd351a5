package bluez

import (
	"sync"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/alepar/aranet/aranet"
)

// large enough for any Aranet characteristic
const readBufferSize = 64

type conn struct {
	dev  bluetooth.Device
	bus  *dbus.Conn
	path dbus.ObjectPath

	mu        sync.Mutex
	connected bool
}

// Connected asks bluetoothd; if that fails it falls back to what this side
// last did with the connection.
func (c *conn) Connected() bool {
	c.mu.Lock()
	local := c.connected
	c.mu.Unlock()
	if !local {
		return false
	}

	v, err := c.bus.Object(bluezBus, c.path).GetProperty(deviceInterface + ".Connected")
	if err != nil {
		log.Debugf("couldn't read connection state of %s: %s", c.path, err)
		return local
	}
	connected, ok := v.Value().(bool)
	if !ok {
		return local
	}
	return connected
}

func (c *conn) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.dev.Disconnect()
}

func (c *conn) Services() ([]aranet.Service, error) {
	svcs, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]aranet.Service, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, &service{svc: s})
	}
	return out, nil
}

type service struct {
	svc bluetooth.DeviceService
}

func (s *service) UUID() string { return s.svc.UUID().String() }

func (s *service) Characteristics() ([]aranet.Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	out := make([]aranet.Characteristic, 0, len(chars))
	for _, ch := range chars {
		out = append(out, &characteristic{c: ch})
	}
	return out, nil
}

type characteristic struct {
	c bluetooth.DeviceCharacteristic
}

func (c *characteristic) UUID() string { return c.c.UUID().String() }

func (c *characteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
