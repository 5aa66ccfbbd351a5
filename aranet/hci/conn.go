package hci

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

const disconnectWait = 2 * time.Second

// ATT error codes that mean the link has to be paired/encrypted first.
const (
	attInsufficientAuthentication ble.ATTError = 0x05
	attInsufficientAuthorization  ble.ATTError = 0x08
	attInsufficientEncryption     ble.ATTError = 0x0f
)

type conn struct {
	cln  ble.Client
	done chan struct{}
}

func newConn(cln ble.Client) *conn {
	c := &conn{cln: cln, done: make(chan struct{})}

	// Normally, the connection is disconnected by us after the read.
	// However, it can be asynchronously disconnected by the remote peripheral.
	go func() {
		<-cln.Disconnected()
		log.Debugf("device disconnected")
		close(c.done)
	}()
	return c
}

func (c *conn) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) Disconnect() error {
	err := c.cln.CancelConnection()
	select {
	case <-c.done:
	case <-time.After(disconnectWait):
		if err == nil {
			err = errors.New("timed out waiting for disconnection")
		}
	}
	return err
}

func (c *conn) Services() ([]aranet.Service, error) {
	svcs, err := c.cln.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]aranet.Service, 0, len(svcs))
	for _, s := range svcs {
		out = append(out, &service{cln: c.cln, svc: s})
	}
	return out, nil
}

type service struct {
	cln ble.Client
	svc *ble.Service
}

func (s *service) UUID() string { return s.svc.UUID.String() }

func (s *service) Characteristics() ([]aranet.Characteristic, error) {
	chars, err := s.cln.DiscoverCharacteristics(nil, s.svc)
	if err != nil {
		return nil, err
	}
	out := make([]aranet.Characteristic, 0, len(chars))
	for _, ch := range chars {
		out = append(out, &characteristic{cln: s.cln, c: ch})
	}
	return out, nil
}

type characteristic struct {
	cln ble.Client
	c   *ble.Characteristic
}

func (c *characteristic) UUID() string { return c.c.UUID.String() }

func (c *characteristic) Read() ([]byte, error) {
	b, err := c.cln.ReadCharacteristic(c.c)
	if err != nil {
		if needsPairing(err) {
			return nil, errors.Wrap(aranet.ErrPairingRequired, err.Error())
		}
		return nil, err
	}
	return b, nil
}

func needsPairing(err error) bool {
	var attErr ble.ATTError
	if !errors.As(err, &attErr) {
		return false
	}
	switch attErr {
	case attInsufficientAuthentication, attInsufficientAuthorization, attInsufficientEncryption:
		return true
	}
	return false
}
