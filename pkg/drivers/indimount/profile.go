package indimount

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi/mqttbus"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
	"github.com/ikki-wiki/telescope-control-platform/pkg/poll"
)

// SyncMode decides what happens to ON_COORD_SET after a sync.
type SyncMode string

const (
	// SyncRevert switches the coordinate mode back to SLEW.
	SyncRevert SyncMode = "revert"
	// SyncKeep leaves the coordinate mode at SYNC.
	SyncKeep SyncMode = "keep"
)

// Timeouts bound every wait the driver performs.
type Timeouts struct {
	PollInterval       time.Duration `json:"pollInterval" toml:"poll_interval"`
	DiscoveryAttempts  int           `json:"discoveryAttempts" toml:"discovery_attempts"`
	CapabilityAttempts int           `json:"capabilityAttempts" toml:"capability_attempts"`
	Settle             time.Duration `json:"settle" toml:"settle"`
	SlewTimeout        time.Duration `json:"slewTimeout" toml:"slew_timeout"`
	ParkTimeout        time.Duration `json:"parkTimeout" toml:"park_timeout"`
	ConfigTimeout      time.Duration `json:"configTimeout" toml:"config_timeout"`
}

func (t Timeouts) discovery() poll.Policy {
	return poll.Policy{Interval: t.PollInterval, Attempts: t.DiscoveryAttempts}
}

func (t Timeouts) capability() poll.Policy {
	return poll.Policy{Interval: t.PollInterval, Attempts: t.CapabilityAttempts}
}

// Network is the address the INDI driver itself uses to reach the mount
// when it runs in TCP mode.
type Network struct {
	Address string `json:"address" toml:"address"`
	Port    string `json:"port" toml:"port"`
}

// Profile is the static configuration of one INDI mount.
type Profile struct {
	Host     string         `json:"host" toml:"host"`
	Port     int            `json:"port" toml:"port"`
	Device   string         `json:"device" toml:"device"`
	Network  Network        `json:"network" toml:"network"`
	MQTT     mqttbus.Config `json:"mqtt" toml:"mqtt"`
	SyncMode SyncMode       `json:"syncMode" toml:"sync_mode"`
	Timeouts Timeouts       `json:"timeouts" toml:"timeouts"`
}

var defaultProfile = Profile{
	Host:     "localhost",
	Port:     1883,
	Device:   "Telescope Simulator",
	MQTT:     mqttbus.Config{TopicRoot: mqttbus.DefaultRoot, QoS: 1},
	SyncMode: SyncRevert,
	Timeouts: Timeouts{
		PollInterval:       500 * time.Millisecond,
		DiscoveryAttempts:  10,
		CapabilityAttempts: 10,
		Settle:             500 * time.Millisecond,
		SlewTimeout:        2 * time.Minute,
		ParkTimeout:        2 * time.Minute,
		ConfigTimeout:      5 * time.Second,
	},
}

func DefaultProfile() Profile {
	return defaultProfile
}

// withDefaults fills zero fields from the default profile.
func (p Profile) withDefaults() Profile {
	d := defaultProfile
	if p.Host == "" {
		p.Host = d.Host
	}
	if p.Port == 0 {
		p.Port = d.Port
	}
	if p.Device == "" {
		p.Device = d.Device
	}
	if p.MQTT.TopicRoot == "" {
		p.MQTT.TopicRoot = d.MQTT.TopicRoot
	}
	if p.SyncMode == "" {
		p.SyncMode = d.SyncMode
	}

	t := &p.Timeouts
	if t.PollInterval <= 0 {
		t.PollInterval = d.Timeouts.PollInterval
	}
	if t.DiscoveryAttempts <= 0 {
		t.DiscoveryAttempts = d.Timeouts.DiscoveryAttempts
	}
	if t.CapabilityAttempts <= 0 {
		t.CapabilityAttempts = d.Timeouts.CapabilityAttempts
	}
	if t.Settle < 0 {
		t.Settle = 0
	}
	if t.SlewTimeout <= 0 {
		t.SlewTimeout = d.Timeouts.SlewTimeout
	}
	if t.ParkTimeout <= 0 {
		t.ParkTimeout = d.Timeouts.ParkTimeout
	}
	if t.ConfigTimeout <= 0 {
		t.ConfigTimeout = d.Timeouts.ConfigTimeout
	}
	return p
}

func (p Profile) Validate() error {
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port %d: %w", p.Port, mount.ErrInvalidOption)
	}
	switch p.SyncMode {
	case SyncRevert, SyncKeep:
	default:
		return fmt.Errorf("sync mode %q: %w", p.SyncMode, mount.ErrInvalidOption)
	}
	return nil
}

// LoadProfileFile reads a TOML profile. Missing keys keep their defaults.
func LoadProfileFile(path string) (Profile, error) {
	p := defaultProfile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
