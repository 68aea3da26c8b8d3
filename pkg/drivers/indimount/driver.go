// Package indimount drives a telescope mount exposed as an INDI device.
package indimount

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/indi/mqttbus"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

const driverName = "INDI Mount Driver"

// TransportFactory creates the transport for a new session.
type TransportFactory func(p Profile, logger log.FieldLogger) indi.Transport

// MQTTTransport carries the session over the MQTT bus configured in the profile.
func MQTTTransport(p Profile, logger log.FieldLogger) indi.Transport {
	return mqttbus.NewTransport(p.MQTT, logger)
}

// Driver implements mount.Telescope on top of a Session and a Sequencer.
// Both are created on Connect and dropped on Disconnect. The handshake runs
// without holding mu, so state queries answer while a Connect is pending.
type Driver struct {
	store        *store
	newTransport TransportFactory
	logger       log.FieldLogger

	mu         sync.Mutex
	connecting bool
	session    *Session
	seq        *Sequencer
}

func NewDriver(db *bolt.DB, newTransport TransportFactory, logger log.FieldLogger) (*Driver, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	return &Driver{
		store:        store,
		newTransport: newTransport,
		logger:       logger.WithField("driver", "indi"),
	}, nil
}

func (d *Driver) Profile() (Profile, error) {
	return d.store.GetProfile()
}

// SetProfile stores a new profile. It applies on the next Connect.
func (d *Driver) SetProfile(p Profile) error {
	p = p.withDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	d.logger.Infof("Setting INDI profile: device %q at %s:%d", p.Device, p.Host, p.Port)
	return d.store.SetProfile(p)
}

func (d *Driver) Info() mount.Info {
	info := mount.Info{Driver: driverName, Connected: d.Connected()}
	if p, err := d.store.GetProfile(); err == nil {
		info.Device = p.Device
	}
	return info
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil && d.session.Connected()
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connecting || (d.session != nil && d.session.Connected()) {
		d.mu.Unlock()
		return mount.ErrAlreadyConnected
	}
	d.connecting = true
	stale := d.session
	d.session = nil
	d.seq = nil
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.connecting = false
		d.mu.Unlock()
	}()

	if stale != nil {
		// A session whose link was lost still holds its transport.
		if err := stale.Disconnect(); err != nil && !errors.Is(err, mount.ErrNotConnected) {
			d.logger.Warnf("Dropping stale session: %v", err)
		}
	}

	profile, err := d.store.GetProfile()
	if err != nil {
		return fmt.Errorf("failed to get profile: %v", err)
	}

	session := NewSession(d.newTransport(profile, d.logger), profile, d.logger)
	if err := session.Connect(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	d.session = session
	d.seq = NewSequencer(session, d.logger)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.seq = nil
	d.mu.Unlock()

	if session == nil {
		return mount.ErrNotConnected
	}
	return session.Disconnect()
}

// Close disconnects if needed.
func (d *Driver) Close() {
	d.logger.Info("Closing INDI driver")
	if err := d.Disconnect(); err != nil && !errors.Is(err, mount.ErrNotConnected) {
		d.logger.Errorf("failed to disconnect: %v", err)
	}
}

func (d *Driver) sequencer() (*Sequencer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seq == nil {
		return nil, mount.ErrNotConnected
	}
	return d.seq, nil
}

// Watch streams vector updates of the connected device.
func (d *Driver) Watch(buffer int) (<-chan indi.Vector, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, nil, mount.ErrNotConnected
	}
	ch, cancel := d.session.Watch(buffer)
	return ch, cancel, nil
}

func (d *Driver) SlewTo(ctx context.Context, target mount.Coordinates) (mount.Coordinates, error) {
	seq, err := d.sequencer()
	if err != nil {
		return mount.Coordinates{}, err
	}
	return seq.SlewTo(ctx, target)
}

func (d *Driver) SyncTo(ctx context.Context, target mount.Coordinates) (mount.Coordinates, error) {
	seq, err := d.sequencer()
	if err != nil {
		return mount.Coordinates{}, err
	}
	return seq.SyncTo(ctx, target)
}

func (d *Driver) AbortMotion(ctx context.Context) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.AbortMotion(ctx)
}

func (d *Driver) Move(ctx context.Context, dir mount.Direction) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.Move(ctx, dir)
}

func (d *Driver) Coordinates(ctx context.Context) (mount.Coordinates, error) {
	seq, err := d.sequencer()
	if err != nil {
		return mount.Coordinates{}, err
	}
	return seq.Coordinates(ctx)
}

func (d *Driver) Park(ctx context.Context) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.Park(ctx)
}

func (d *Driver) Unpark(ctx context.Context) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.Unpark(ctx)
}

func (d *Driver) ParkPosition(ctx context.Context) (mount.ParkPosition, error) {
	seq, err := d.sequencer()
	if err != nil {
		return mount.ParkPosition{}, err
	}
	return seq.ParkPosition(ctx)
}

func (d *Driver) SetParkPosition(ctx context.Context, pos mount.ParkPosition) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetParkPosition(ctx, pos)
}

func (d *Driver) SetParkOption(ctx context.Context, opt mount.ParkOption) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetParkOption(ctx, opt)
}

func (d *Driver) SiteCoordinates(ctx context.Context) (mount.Site, error) {
	seq, err := d.sequencer()
	if err != nil {
		return mount.Site{}, err
	}
	return seq.SiteCoordinates(ctx)
}

func (d *Driver) SetSiteCoordinates(ctx context.Context, site mount.Site) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetSiteCoordinates(ctx, site)
}

func (d *Driver) Time(ctx context.Context) (string, string, error) {
	seq, err := d.sequencer()
	if err != nil {
		return "", "", err
	}
	return seq.Time(ctx)
}

func (d *Driver) SetTime(ctx context.Context, clock, offset string) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetTime(ctx, clock, offset)
}

func (d *Driver) Date(ctx context.Context) (string, error) {
	seq, err := d.sequencer()
	if err != nil {
		return "", err
	}
	return seq.Date(ctx)
}

func (d *Driver) SetDate(ctx context.Context, date string) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetDate(ctx, date)
}

func (d *Driver) TrackingState(ctx context.Context) (bool, error) {
	seq, err := d.sequencer()
	if err != nil {
		return false, err
	}
	return seq.TrackingState(ctx)
}

func (d *Driver) SetTrackingState(ctx context.Context, on bool) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetTrackingState(ctx, on)
}

func (d *Driver) SlewRate(ctx context.Context) (mount.SlewRates, error) {
	seq, err := d.sequencer()
	if err != nil {
		return mount.SlewRates{}, err
	}
	return seq.SlewRate(ctx)
}

func (d *Driver) SetSlewRate(ctx context.Context, rate string) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.SetSlewRate(ctx, rate)
}

func (d *Driver) LoadConfig(ctx context.Context) error {
	seq, err := d.sequencer()
	if err != nil {
		return err
	}
	return seq.LoadConfig(ctx)
}

var _ mount.Telescope = (*Driver)(nil)
