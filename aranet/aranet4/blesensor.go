package aranet4

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

const DefaultSettleDelay = time.Second

// Session performs one connect/discover/read/disconnect cycle against a
// discovered peripheral.
type Session struct {
	Adapter aranet.Adapter

	// SettleDelay gives pairing negotiation time to start after connecting.
	// Zero means DefaultSettleDelay; negative disables it.
	SettleDelay time.Duration
}

func (s *Session) ReadOnce(ctx context.Context, p aranet.Peripheral) (aranet.Reading, error) {
	logger := log.WithField("address", p.Address())

	logger.Debugf("connecting to device")
	conn, err := s.Adapter.Connect(ctx, p)
	if err != nil {
		return aranet.Reading{}, sessionErr("connect", p, errors.Wrap(err, "couldn't connect to ble"))
	}

	// Cancelling ctx drops the connection, which is what unblocks a stack
	// stuck in one of the calls below.
	finished := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			logger.Debugf("attempt cancelled, dropping connection")
			disconnect(conn, logger)
		case <-finished:
		}
	}()
	defer func() {
		close(finished)
		<-watcherDone
		disconnect(conn, logger)
	}()

	if err := s.settle(ctx); err != nil {
		return aranet.Reading{}, sessionErr("settle", p, err)
	}

	payload, err := readCurrentReadings(conn, logger)
	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "interrupted (%s)", err)
		}
		return aranet.Reading{}, sessionErr("read", p, err)
	}

	reading, err := aranet.Decode(payload)
	if err != nil {
		return aranet.Reading{}, err
	}
	return reading, nil
}

func (s *Session) settle(ctx context.Context) error {
	d := s.SettleDelay
	if d == 0 {
		d = DefaultSettleDelay
	}
	if d < 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func readCurrentReadings(conn aranet.Conn, logger *log.Entry) ([]byte, error) {
	logger.Debugf("discovering services")
	services, err := conn.Services()
	logger.Debugf("finished discovering services")
	if err != nil {
		return nil, errors.Wrap(err, "couldn't discover services")
	}
	var service aranet.Service
	for _, svc := range services {
		if aranet.SameUUID(svc.UUID(), aranet.ServiceUUID) {
			service = svc
			break
		}
	}
	if service == nil {
		return nil, aranet.ErrServiceNotFound
	}

	logger.Debugf("discovering characteristics")
	characteristics, err := service.Characteristics()
	logger.Debugf("finished discovering characteristics")
	if err != nil {
		return nil, errors.Wrap(err, "couldn't discover characteristic")
	}
	var c aranet.Characteristic
	for _, ch := range characteristics {
		if aranet.SameUUID(ch.UUID(), aranet.CurrentReadingsUUID) {
			c = ch
			break
		}
	}
	if c == nil {
		return nil, aranet.ErrCharacteristicNotFound
	}

	logger.Debugf("reading characteristic")
	payload, err := c.Read()
	logger.Debugf("finished reading characteristic")
	if err != nil {
		return nil, errors.Wrap(err, "failed to read characteristic value")
	}
	if len(payload) == 0 {
		return nil, aranet.ErrEmptyPayload
	}
	return payload, nil
}

func disconnect(conn aranet.Conn, logger *log.Entry) {
	if !conn.Connected() {
		return
	}
	logger.Debugf("closing connection")
	if err := conn.Disconnect(); err != nil {
		logger.Warnf("disconnect failed: %s", err)
	}
}

func sessionErr(op string, p aranet.Peripheral, err error) error {
	return &aranet.SessionError{Op: op, Address: p.Address(), Err: err}
}
