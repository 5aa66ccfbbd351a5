package aranet4

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/alepar/aranet/aranet"
)

type fakeAdvert struct {
	name string
	addr string
}

func (a fakeAdvert) Name() string    { return a.name }
func (a fakeAdvert) Address() string { return a.addr }
func (a fakeAdvert) RSSI() int       { return -60 }

type fakeAdapter struct {
	mu       sync.Mutex
	powered  bool
	changes  chan bool
	adverts  []fakeAdvert
	scanErrs []error
	scans    int

	conn       *fakeConn
	connectErr error
	connects   []aranet.Peripheral
}

func (f *fakeAdapter) PowerState(ctx context.Context) (bool, <-chan bool, error) {
	return f.powered, f.changes, nil
}

func (f *fakeAdapter) Scan(ctx context.Context, handler func(aranet.Advertisement)) error {
	f.mu.Lock()
	f.scans++
	var err error
	if len(f.scanErrs) > 0 {
		err, f.scanErrs = f.scanErrs[0], f.scanErrs[1:]
	}
	adverts := f.adverts
	f.mu.Unlock()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, a := range adverts {
		wg.Add(1)
		go func(a fakeAdvert) {
			defer wg.Done()
			handler(a)
		}(a)
	}
	wg.Wait()
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Connect(ctx context.Context, p aranet.Peripheral) (aranet.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, p)
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.conn.mu.Lock()
	f.conn.connected = true
	f.conn.mu.Unlock()
	return f.conn, nil
}

func (f *fakeAdapter) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

type fakeConn struct {
	mu            sync.Mutex
	connected     bool
	services      []aranet.Service
	servicesErr   error
	disconnectErr error
	disconnects   int

	// when set, Services blocks until the connection is dropped
	block   bool
	dropped chan struct{}
	once    sync.Once
}

func newFakeConn(services ...aranet.Service) *fakeConn {
	return &fakeConn{services: services, dropped: make(chan struct{})}
}

func (c *fakeConn) Services() ([]aranet.Service, error) {
	if c.block {
		<-c.dropped
		return nil, errors.New("connection dropped")
	}
	return c.services, c.servicesErr
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.connected = false
	c.mu.Unlock()
	c.once.Do(func() { close(c.dropped) })
	return c.disconnectErr
}

func (c *fakeConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeService struct {
	uuid  string
	chars []aranet.Characteristic
}

func (s fakeService) UUID() string { return s.uuid }
func (s fakeService) Characteristics() ([]aranet.Characteristic, error) {
	return s.chars, nil
}

type fakeChar struct {
	uuid string
	data []byte
	err  error
}

func (c fakeChar) UUID() string           { return c.uuid }
func (c fakeChar) Read() ([]byte, error) { return c.data, c.err }

var validPayload = []byte{0xE8, 0x03, 0xF0, 0x00, 0xC8, 0x27, 0x32, 0x5A, 0x01}

func aranetService(chars ...aranet.Characteristic) fakeService {
	return fakeService{uuid: "0000fce0-0000-1000-8000-00805f9b34fb", chars: chars}
}

func readingsChar(data []byte) fakeChar {
	return fakeChar{uuid: "f0cd1503-95da-4f4b-9ac8-aa55d312af0c", data: data}
}
