package report

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aranet/aranet"
)

const publishTimeout = 5 * time.Second

// MQTT publishes readings to <prefix>/<deviceId>/readings.
type MQTT struct {
	client mqtt.Client
	prefix string

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewMQTT(broker, clientID, topicPrefix string) *MQTT {
	m := &MQTT{prefix: topicPrefix, stopCh: make(chan struct{})}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.setConnected(true)
		log.WithField("broker", broker).Infof("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.setConnected(false)
		log.WithField("broker", broker).Warnf("mqtt connection lost: %s", err)
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Connect waits for the first connection; paho keeps reconnecting after that.
func (m *MQTT) Connect(ctx context.Context) error {
	select {
	case <-m.stopCh:
		return errors.New("mqtt client stopped")
	default:
	}
	if m.IsConnected() {
		return nil
	}

	token := m.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return errors.Wrap(err, "mqtt connect")
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return errors.New("mqtt client stopped")
		default:
		}
	}
}

func (m *MQTT) Topic(deviceID string) string {
	return fmt.Sprintf("%s/%s/readings", m.prefix, deviceID)
}

func (m *MQTT) Report(ctx context.Context, deviceID string, r aranet.Reading) error {
	if !m.IsConnected() {
		return &ReportingError{Sink: "mqtt", Err: errors.New("mqtt client not connected")}
	}

	data, err := json.Marshal(NewPayload(deviceID, r))
	if err != nil {
		return &ReportingError{Sink: "mqtt", Err: errors.Wrap(err, "marshal reading")}
	}

	topic := m.Topic(deviceID)
	token := m.client.Publish(topic, 1, false, data)
	select {
	case <-token.Done():
	case <-time.After(publishTimeout):
		return &ReportingError{Sink: "mqtt", Err: errors.Errorf("publish timeout for topic %s", topic)}
	case <-ctx.Done():
		return &ReportingError{Sink: "mqtt", Err: ctx.Err()}
	}
	if err := token.Error(); err != nil {
		return &ReportingError{Sink: "mqtt", Err: errors.Wrap(err, "publish reading")}
	}
	log.WithField("topic", topic).Debugf("reading published")
	return nil
}

func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected && m.client.IsConnected()
}

// Disconnect is idempotent; Connect fails afterwards.
func (m *MQTT) Disconnect() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.client.Disconnect(250)
	m.setConnected(false)
	log.Infof("mqtt disconnected")
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}
