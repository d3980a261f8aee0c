package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTT emitter.
type MQTTConfig struct {
	// Broker is host:port or a full URL (tcp://, ssl://, ws://).
	Broker   string
	ClientID string
	// Topic is the prefix; events go to <Topic>/<kind>.
	Topic string
	QoS   byte
	// Buffer is the number of events queued while publishing. Zero means
	// 256.
	Buffer int
}

// MQTTStats reports emitter counters.
type MQTTStats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// MQTTEmitter publishes events to an MQTT broker. Handle only enqueues;
// Run does the publishing, so a slow broker never stalls the engine.
type MQTTEmitter struct {
	cfg    MQTTConfig
	log    *slog.Logger
	client mqtt.Client
	queue  chan Event

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64

	closeOnce sync.Once
}

// NewMQTTEmitter creates an emitter. Call Connect before Run.
func NewMQTTEmitter(cfg MQTTConfig, log *slog.Logger) *MQTTEmitter {
	if cfg.Topic == "" {
		cfg.Topic = "mosaic/events"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mosaic"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &MQTTEmitter{
		cfg:   cfg,
		log:   log.With("component", "mqtt"),
		queue: make(chan Event, cfg.Buffer),
	}
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards.
func (m *MQTTEmitter) Connect(ctx context.Context) error {
	broker := m.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.connected.Store(true)
		m.log.Info("mqtt connected", "broker", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.log.Warn("mqtt connection lost", "broker", broker, "error", err)
	}
	m.client = mqtt.NewClient(opts)

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	token := m.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	m.connected.Store(true)
	return nil
}

// Handle implements Subscriber. Events are dropped when the queue is full.
func (m *MQTTEmitter) Handle(e Event) {
	select {
	case m.queue <- e:
	default:
		m.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is cancelled, then disconnects.
func (m *MQTTEmitter) Run(ctx context.Context) error {
	defer m.Disconnect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-m.queue:
			if err := m.publish(e); err != nil {
				m.errors.Add(1)
				m.log.Debug("mqtt publish failed", "kind", e.Kind, "error", err)
			}
		}
	}
}

func (m *MQTTEmitter) publish(e Event) error {
	if m.client == nil || !m.connected.Load() {
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.cfg.Topic+"/"+string(e.Kind), m.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return errors.New("publish timeout")
	}
	if err := token.Error(); err != nil {
		return err
	}
	m.published.Add(1)
	return nil
}

// Disconnect closes the broker connection.
func (m *MQTTEmitter) Disconnect() {
	m.closeOnce.Do(func() {
		if m.client != nil && m.client.IsConnected() {
			m.client.Disconnect(250)
		}
		m.connected.Store(false)
	})
}

// Stats returns emitter counters.
func (m *MQTTEmitter) Stats() MQTTStats {
	return MQTTStats{
		Connected: m.connected.Load(),
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Errors:    m.errors.Load(),
	}
}
