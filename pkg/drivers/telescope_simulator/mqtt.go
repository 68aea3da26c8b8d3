package telescope_simulator

import (
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/indi/mqttbus"
)

// Bridge publishes a simulated device on an embedded broker and feeds the
// writes it receives back into the device.
type Bridge struct {
	server *mochi.Server
	device *Device
	topics mqttbus.Topics
	subID  int
	logger log.FieldLogger

	detach func()
}

func NewBridge(server *mochi.Server, device *Device, topicRoot string, subID int, logger log.FieldLogger) *Bridge {
	return &Bridge{
		server: server,
		device: device,
		topics: mqttbus.Topics{Root: topicRoot},
		subID:  subID,
		logger: logger.WithField("device", device.Name()),
	}
}

func (b *Bridge) Start() error {
	filter := b.topics.SetFilter(b.device.Name())
	if err := b.server.Subscribe(filter, b.subID, b.onSet); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	b.detach = b.device.Attach(b)
	b.logger.Infof("Serving device on %s", b.topics.DeviceFilter(b.device.Name()))
	return nil
}

func (b *Bridge) Stop() error {
	if b.detach != nil {
		b.detach()
		b.detach = nil
	}
	return b.server.Unsubscribe(b.topics.SetFilter(b.device.Name()), b.subID)
}

func (b *Bridge) onSet(_ *mochi.Client, _ packets.Subscription, pk packets.Packet) {
	device, name, set, err := b.topics.Parse(pk.TopicName)
	if err != nil || !set {
		return
	}

	w, err := mqttbus.DecodeWrite(device, name, pk.Payload)
	if err != nil {
		b.logger.Warnf("Dropping write: %v", err)
		return
	}
	if err := b.device.Write(w); err != nil {
		b.logger.Warnf("Write %s rejected: %v", name, err)
	}
}

func (b *Bridge) publish(v indi.Vector) {
	payload, err := mqttbus.EncodeVector(v)
	if err != nil {
		b.logger.Errorf("Failed to encode %s: %v", v.Name, err)
		return
	}
	if err := b.server.Publish(b.topics.Vector(v.Device, v.Name), payload, true, 1); err != nil {
		b.logger.Errorf("Failed to publish %s: %v", v.Name, err)
	}
}

func (b *Bridge) VectorAdded(v indi.Vector) {
	b.publish(v)
}

func (b *Bridge) VectorUpdated(v indi.Vector) {
	b.publish(v)
}

func (b *Bridge) VectorRemoved(device, name string) {
	if err := b.server.Publish(b.topics.Vector(device, name), []byte{}, true, 1); err != nil {
		b.logger.Errorf("Failed to clear %s: %v", name, err)
	}
}

func (b *Bridge) ConnectionLost(err error) {}
