package hci

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
)

// fakeDevice implements the parts of ble.Device the adapter uses; anything
// else panics through the nil embedded interface.
type fakeDevice struct {
	ble.Device

	adverts []ble.Advertisement
	scanErr error
	// blockScan keeps Scan running until ctx is done, then returns scanErr
	blockScan bool

	client  *fakeClient
	dialErr error

	mu      sync.Mutex
	stopped int
	dialed  []ble.Addr
}

func (d *fakeDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	for _, a := range d.adverts {
		h(a)
	}
	if d.blockScan {
		<-ctx.Done()
		if d.scanErr != nil {
			return d.scanErr
		}
		return ctx.Err()
	}
	return d.scanErr
}

func (d *fakeDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, a)
	d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *fakeDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

type fakeClient struct {
	ble.Client

	once         sync.Once
	disconnected chan struct{}
	cancels      int
}

func newFakeClient() *fakeClient {
	return &fakeClient{disconnected: make(chan struct{})}
}

func (c *fakeClient) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeClient) CancelConnection() error {
	c.cancels++
	c.once.Do(func() { close(c.disconnected) })
	return nil
}

type fakeAdvert struct {
	ble.Advertisement

	name        string
	addr        string
	connectable bool
}

func (a fakeAdvert) LocalName() string { return a.name }
func (a fakeAdvert) Addr() ble.Addr    { return ble.NewAddr(a.addr) }
func (a fakeAdvert) RSSI() int         { return -60 }
func (a fakeAdvert) Connectable() bool { return a.connectable }

func withDevices(devs ...*fakeDevice) (restore func(), opened *int) {
	orig := DeviceFactory
	n := 0
	DeviceFactory = func(id int) (ble.Device, error) {
		d := devs[n%len(devs)]
		n++
		return d, nil
	}
	return func() { DeviceFactory = orig }, &n
}
