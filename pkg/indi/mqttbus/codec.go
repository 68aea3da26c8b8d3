// Package mqttbus carries device vectors over MQTT.
//
// Every vector a device defines is published retained on
// <root>/<device>/<vector> as JSON. An empty retained payload on that topic
// means the vector was deleted. Clients request changes by publishing a
// write on <root>/<device>/<vector>/set.
package mqttbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
)

const (
	DefaultRoot = "indi"
	setSuffix   = "set"
)

var ErrBadTopic = errors.New("topic does not belong to the bus")

// Topics builds and parses topic names under a root.
type Topics struct {
	Root string
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultRoot
	}
	return strings.TrimSuffix(t.Root, "/")
}

func (t Topics) Vector(device, name string) string {
	return t.root() + "/" + device + "/" + name
}

func (t Topics) Set(device, name string) string {
	return t.Vector(device, name) + "/" + setSuffix
}

// DeviceFilter matches every vector topic of a device, not its set topics.
func (t Topics) DeviceFilter(device string) string {
	return t.root() + "/" + device + "/+"
}

// SetFilter matches every write addressed to a device.
func (t Topics) SetFilter(device string) string {
	return t.root() + "/" + device + "/+/" + setSuffix
}

// Parse splits a vector or set topic into its device and vector names.
func (t Topics) Parse(topic string) (device, name string, set bool, err error) {
	rest, ok := strings.CutPrefix(topic, t.root()+"/")
	if !ok {
		return "", "", false, fmt.Errorf("%q: %w", topic, ErrBadTopic)
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], false, nil
	case len(parts) == 3 && parts[0] != "" && parts[1] != "" && parts[2] == setSuffix:
		return parts[0], parts[1], true, nil
	}
	return "", "", false, fmt.Errorf("%q: %w", topic, ErrBadTopic)
}

func EncodeVector(v indi.Vector) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeVector decodes a retained vector payload. The device and name are
// taken from the topic when the payload omits them.
func DecodeVector(device, name string, payload []byte) (indi.Vector, error) {
	var v indi.Vector
	if err := json.Unmarshal(payload, &v); err != nil {
		return indi.Vector{}, fmt.Errorf("decode %s/%s: %w", device, name, err)
	}
	if v.Device == "" {
		v.Device = device
	}
	if v.Name == "" {
		v.Name = name
	}
	if v.Device != device || v.Name != name {
		return indi.Vector{}, fmt.Errorf("payload %s/%s published on %s/%s: %w", v.Device, v.Name, device, name, ErrBadTopic)
	}
	return v, nil
}

func EncodeWrite(w indi.Write) ([]byte, error) {
	return json.Marshal(w)
}

func DecodeWrite(device, name string, payload []byte) (indi.Write, error) {
	var w indi.Write
	if err := json.Unmarshal(payload, &w); err != nil {
		return indi.Write{}, fmt.Errorf("decode write %s/%s: %w", device, name, err)
	}
	w.Device = device
	w.Name = name
	return w, nil
}
