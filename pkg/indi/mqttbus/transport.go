package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
)

var ErrNotConnected = errors.New("mqtt transport is not connected")

// Config holds the broker credentials and topic layout.
type Config struct {
	TopicRoot string `json:"topicRoot" toml:"topic_root"`
	Username  string `json:"username" toml:"username"`
	Password  string `json:"password" toml:"password"`
	ClientID  string `json:"clientId,omitempty" toml:"client_id"`
	QoS       byte   `json:"qos" toml:"qos"`
}

// Transport is an indi.Transport backed by a paho MQTT client.
type Transport struct {
	cfg    Config
	topics Topics
	logger log.FieldLogger

	mu       sync.Mutex
	client   mqtt.Client
	handlers map[string]*subscription
}

type subscription struct {
	handler indi.Handler

	mu    sync.Mutex
	known map[string]bool
}

func NewTransport(cfg Config, logger log.FieldLogger) *Transport {
	return &Transport{
		cfg:      cfg,
		topics:   Topics{Root: cfg.TopicRoot},
		logger:   logger.WithField("component", "mqttbus"),
		handlers: make(map[string]*subscription),
	}
}

// createMQTTClient builds the paho client for host:port without connecting it.
func (t *Transport) createMQTTClient(host string, port int) mqtt.Client {
	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "mountgw-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.SetClientID(clientID)
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", host, port))
	opts.SetUsername(t.cfg.Username)
	opts.SetPassword(t.cfg.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(t.connectionLost)
	return mqtt.NewClient(opts)
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Connect(ctx context.Context, host string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.client.IsConnected() {
		return nil
	}

	client := t.createMQTTClient(host, port)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s:%d: %w", host, port, err)
	}

	t.client = client
	t.logger.Infof("Connected to MQTT broker %s:%d", host, port)
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return nil
	}
	t.client.Disconnect(100)
	t.client = nil
	t.handlers = make(map[string]*subscription)
	t.logger.Info("Disconnected from MQTT broker")
	return nil
}

func (t *Transport) Subscribe(device string, h indi.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client == nil {
		return ErrNotConnected
	}

	sub := &subscription{handler: h, known: make(map[string]bool)}
	t.handlers[device] = sub

	filter := t.topics.DeviceFilter(device)
	token := t.client.Subscribe(filter, t.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		t.deliver(sub, msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		delete(t.handlers, device)
		return fmt.Errorf("subscribe %s: %v", filter, token.Error())
	}
	t.logger.Debugf("Subscribed to %s", filter)
	return nil
}

func (t *Transport) Unsubscribe(device string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.handlers, device)
	if t.client == nil {
		return nil
	}
	token := t.client.Unsubscribe(t.topics.DeviceFilter(device))
	token.WaitTimeout(5 * time.Second)
	return token.Error()
}

func (t *Transport) WriteVector(ctx context.Context, w indi.Write) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}

	payload, err := EncodeWrite(w)
	if err != nil {
		return err
	}
	topic := t.topics.Set(w.Device, w.Name)
	if err := wait(ctx, client.Publish(topic, t.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	t.logger.Debugf("Published %s", topic)
	return nil
}

func (t *Transport) deliver(sub *subscription, topic string, payload []byte) {
	device, name, set, err := t.topics.Parse(topic)
	if err != nil || set {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if len(payload) == 0 {
		if sub.known[name] {
			delete(sub.known, name)
			sub.handler.VectorRemoved(device, name)
		}
		return
	}

	v, err := DecodeVector(device, name, payload)
	if err != nil {
		t.logger.Warnf("Dropping message on %s: %v", topic, err)
		return
	}
	if sub.known[name] {
		sub.handler.VectorUpdated(v)
		return
	}
	sub.known[name] = true
	sub.handler.VectorAdded(v)
}

func (t *Transport) connectionLost(_ mqtt.Client, err error) {
	t.logger.Errorf("MQTT connection lost: %v", err)

	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.handlers))
	for _, sub := range t.handlers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.handler.ConnectionLost(err)
	}
}
