package indimount

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
	"github.com/ikki-wiki/telescope-control-platform/pkg/poll"
)

// Standard INDI vector names used by the mount driver.
const (
	vecConnection     = "CONNECTION"
	vecConnectionMode = "CONNECTION_MODE"
	vecDeviceAddress  = "DEVICE_ADDRESS"
	vecConfigProcess  = "CONFIG_PROCESS"
	vecCoordSet       = "ON_COORD_SET"
	vecEODCoord       = "EQUATORIAL_EOD_COORD"
	vecJ2000Coord     = "EQUATORIAL_COORD"
	vecAbort          = "TELESCOPE_ABORT_MOTION"
	vecPark           = "TELESCOPE_PARK"
	vecParkPosition   = "TELESCOPE_PARK_POSITION"
	vecParkOption     = "TELESCOPE_PARK_OPTION"
	vecGeographic     = "GEOGRAPHIC_COORD"
	vecTimeUTC        = "TIME_UTC"
	vecTrackState     = "TELESCOPE_TRACK_STATE"
	vecSlewRate       = "TELESCOPE_SLEW_RATE"
	vecMotionNS       = "TELESCOPE_MOTION_NS"
	vecMotionWE       = "TELESCOPE_MOTION_WE"
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// parkPair names the two elements of TELESCOPE_PARK_POSITION.
type parkPair struct {
	frame mount.Frame
	axis1 string
	axis2 string
}

var parkPairs = []parkPair{
	{frame: mount.FrameEquatorial, axis1: "PARK_RA", axis2: "PARK_DEC"},
	{frame: mount.FrameHorizontal, axis1: "PARK_AZ", axis2: "PARK_ALT"},
}

// Session owns the transport link to one INDI device and the cache of its
// vectors. Only transport callbacks write to the cache.
type Session struct {
	profile   Profile
	transport indi.Transport
	cache     *indi.Cache
	logger    log.FieldLogger

	mu          sync.Mutex
	state       connState
	lost        error
	handler     *indi.CacheHandler
	coordVector string
	park        *parkPair
}

func NewSession(transport indi.Transport, profile Profile, logger log.FieldLogger) *Session {
	profile = profile.withDefaults()
	return &Session{
		profile:   profile,
		transport: transport,
		cache:     indi.NewCache(profile.Device),
		logger:    logger.WithField("device", profile.Device),
	}
}

func (s *Session) Device() string {
	return s.profile.Device
}

func (s *Session) Profile() Profile {
	return s.profile
}

func (s *Session) Cache() *indi.Cache {
	return s.cache
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == connStateConnected
}

// Connect runs the handshake: open the transport, wait for the device,
// configure its network link, switch it on and wait for its coordinate
// vector. Any failure leaves the session disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != connStateDisconnected {
		s.mu.Unlock()
		return mount.ErrAlreadyConnected
	}
	s.state = connStateConnecting
	s.lost = nil
	s.mu.Unlock()

	if err := s.handshake(ctx); err != nil {
		s.teardown()
		s.setState(connStateDisconnected)
		s.logger.Errorf("Connect failed: %v", err)
		return err
	}

	s.mu.Lock()
	if lost := s.lost; lost != nil {
		s.state = connStateDisconnected
		s.mu.Unlock()
		s.teardown()
		return fmt.Errorf("link lost during handshake: %w: %v", mount.ErrConnection, lost)
	}
	s.state = connStateConnected
	s.mu.Unlock()
	s.logger.Infof("Connected to %s at %s:%d", s.profile.Device, s.profile.Host, s.profile.Port)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	p := s.profile

	if err := s.transport.Connect(ctx, p.Host, p.Port); err != nil {
		return fmt.Errorf("%s:%d: %w: %v", p.Host, p.Port, mount.ErrConnection, err)
	}
	handler := &indi.CacheHandler{Cache: s.cache, OnLost: s.connectionLost}
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	if err := s.transport.Subscribe(p.Device, handler); err != nil {
		return fmt.Errorf("subscribe %s: %w: %v", p.Device, mount.ErrConnection, err)
	}

	err := poll.Until(ctx, p.Timeouts.discovery(), func() bool { return s.cache.Len() > 0 })
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%q after %v: %w", p.Device, p.Timeouts.discovery().Timeout(), mount.ErrDeviceNotFound)
	} else if err != nil {
		return err
	}
	s.logger.Debugf("Device found with %d vectors", s.cache.Len())

	if err := s.configureNetwork(ctx); err != nil {
		return err
	}

	if err := s.writeExclusive(ctx, vecConnection, "CONNECT"); err != nil {
		return err
	}

	err = poll.Until(ctx, p.Timeouts.capability(), func() bool {
		return s.cache.Has(vecEODCoord) || s.cache.Has(vecJ2000Coord)
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("no coordinate vector on %q: %w", p.Device, mount.ErrCapabilityTimeout)
	} else if err != nil {
		return err
	}

	s.resolveCapabilities()
	return nil
}

// configureNetwork selects the TCP connection mode and writes the static
// device address when the driver offers them.
func (s *Session) configureNetwork(ctx context.Context) error {
	if v, err := s.cache.Get(vecConnectionMode); err == nil && v.Has("CONNECTION_TCP") {
		if err := s.writeExclusive(ctx, vecConnectionMode, "CONNECTION_TCP"); err != nil {
			return err
		}
		if err := poll.Sleep(ctx, s.profile.Timeouts.Settle); err != nil {
			return err
		}
	}

	addr := s.profile.Network
	if addr.Address == "" {
		return nil
	}
	v, err := s.cache.Get(vecDeviceAddress)
	if err != nil {
		return nil
	}

	var elements []indi.Element
	switch v.Kind {
	case indi.KindText:
		elements = indi.Texts(map[string]string{"ADDRESS": addr.Address, "PORT": addr.Port})
	case indi.KindNumber:
		elements = numericAddress(v, addr)
		if len(elements) == 0 {
			s.logger.Warnf("%s is numeric and %s:%s does not parse, address not written", vecDeviceAddress, addr.Address, addr.Port)
			return nil
		}
	default:
		s.logger.Warnf("%s is a %s vector, address not written", vecDeviceAddress, v.Kind)
		return nil
	}
	if err := s.write(ctx, v, elements); err != nil {
		return err
	}
	return poll.Sleep(ctx, s.profile.Timeouts.Settle)
}

// numericAddress keeps the address fields that parse as numbers and that the
// vector defines.
func numericAddress(v indi.Vector, addr Network) []indi.Element {
	values := make(map[string]float64)
	for name, text := range map[string]string{"ADDRESS": addr.Address, "PORT": addr.Port} {
		if !v.Has(name) {
			continue
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			values[name] = n
		}
	}
	return indi.Numbers(values)
}

func (s *Session) resolveCapabilities() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.coordVector = vecJ2000Coord
	if s.cache.Has(vecEODCoord) {
		s.coordVector = vecEODCoord
	}
	s.park = nil
	if pair, ok := s.findParkPair(); ok {
		s.park = &pair
	}
	s.logger.Debugf("Using coordinate vector %s", s.coordVector)
}

func (s *Session) findParkPair() (parkPair, bool) {
	v, err := s.cache.Get(vecParkPosition)
	if err != nil {
		return parkPair{}, false
	}
	for _, pair := range parkPairs {
		if v.Has(pair.axis1) && v.Has(pair.axis2) {
			return pair, true
		}
	}
	return parkPair{}, false
}

// CoordVector is the coordinate vector resolved at connect time.
func (s *Session) CoordVector() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coordVector
}

// parkElements returns the park-position element pair, resolving it on
// first use when the device did not expose it at connect time.
func (s *Session) parkElements() (parkPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.park != nil {
		return *s.park, nil
	}
	pair, ok := s.findParkPair()
	if !ok {
		return parkPair{}, fmt.Errorf("%s with a known element pair: %w", vecParkPosition, mount.ErrVectorNotFound)
	}
	s.park = &pair
	return pair, nil
}

func (s *Session) Vector(name string) (indi.Vector, error) {
	return s.cache.Get(name)
}

func (s *Session) Element(vector, element string) (indi.Element, error) {
	return s.cache.Element(vector, element)
}

// WriteVector sends new element values for a cached vector. It returns once
// the transport accepted the write.
func (s *Session) WriteVector(ctx context.Context, name string, elements []indi.Element) error {
	if !s.Connected() {
		return mount.ErrNotConnected
	}
	v, err := s.cache.Get(name)
	if err != nil {
		return err
	}
	return s.write(ctx, v, elements)
}

func (s *Session) write(ctx context.Context, v indi.Vector, elements []indi.Element) error {
	w := indi.Write{Device: s.profile.Device, Name: v.Name, Kind: v.Kind, Elements: elements}
	if err := w.Validate(v); err != nil {
		return err
	}
	s.logger.Debugf("Write %s %+v", w.Name, w.Elements)
	if err := s.transport.WriteVector(ctx, w); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("write %s: %w: %v", w.Name, mount.ErrConnection, err)
	}
	return nil
}

func (s *Session) writeExclusive(ctx context.Context, name, on string) error {
	v, err := s.cache.Get(name)
	if err != nil {
		return err
	}
	elements, err := indi.Exclusive(v, on)
	if err != nil {
		return err
	}
	return s.write(ctx, v, elements)
}

// Watch feeds every cache update to the returned channel until cancel is
// called. Slow readers miss updates.
func (s *Session) Watch(buffer int) (<-chan indi.Vector, func()) {
	return s.cache.Subscribe(buffer)
}

func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != connStateConnected {
		lost := s.lost
		s.mu.Unlock()
		if lost != nil {
			s.teardown()
		}
		return mount.ErrNotConnected
	}
	s.state = connStateDisconnected
	s.mu.Unlock()

	if v, err := s.cache.Get(vecConnection); err == nil {
		if elements, err := indi.Exclusive(v, "DISCONNECT"); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.profile.Timeouts.ConfigTimeout)
			if err := s.write(ctx, v, elements); err != nil {
				s.logger.Warnf("Failed to switch device off: %v", err)
			}
			cancel()
		}
	}

	s.teardown()
	s.logger.Infof("Disconnected from %s", s.profile.Device)
	return nil
}

// teardown detaches the cache from the transport before closing the link,
// then ends every Watch subscription.
func (s *Session) teardown() {
	s.mu.Lock()
	handler := s.handler
	s.handler = nil
	s.mu.Unlock()
	if handler != nil {
		handler.Close()
	}

	if err := s.transport.Unsubscribe(s.profile.Device); err != nil {
		s.logger.Debugf("Unsubscribe: %v", err)
	}
	if err := s.transport.Disconnect(); err != nil {
		s.logger.Debugf("Transport disconnect: %v", err)
	}
	s.cache.Close()
}

func (s *Session) setState(state connState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) connectionLost(err error) {
	s.logger.Errorf("Connection lost: %v", err)

	s.mu.Lock()
	if s.state == connStateConnected {
		s.state = connStateDisconnected
	}
	s.lost = err
	s.mu.Unlock()

	s.cache.Close()
}
