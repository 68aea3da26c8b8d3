package indimount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
	"github.com/ikki-wiki/telescope-control-platform/pkg/poll"
)

// readBackTolerance is how far a number may drift from the written value.
const readBackTolerance = 1e-3

var parkOptionElements = map[mount.ParkOption]string{
	mount.ParkCurrent:   "PARK_CURRENT",
	mount.ParkDefault:   "PARK_DEFAULT",
	mount.ParkWriteData: "PARK_WRITE_DATA",
	mount.ParkPurgeData: "PARK_PURGE_DATA",
}

// Sequencer runs mount operations as ordered vector writes followed by
// bounded waits on the session cache. Only one sequence runs at a time.
type Sequencer struct {
	session *Session
	logger  log.FieldLogger

	mu sync.Mutex
}

func NewSequencer(session *Session, logger log.FieldLogger) *Sequencer {
	return &Sequencer{
		session: session,
		logger:  logger.WithField("component", "sequencer"),
	}
}

func (s *Sequencer) timeouts() Timeouts {
	return s.session.profile.Timeouts
}

// cleanupContext outlives the caller's cancellation but not ConfigTimeout.
func (s *Sequencer) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeouts().ConfigTimeout)
}

// lock serializes sequences and fails fast when the session is down.
func (s *Sequencer) lock() (unlock func(), err error) {
	s.mu.Lock()
	if !s.session.Connected() {
		s.mu.Unlock()
		return nil, mount.ErrNotConnected
	}
	return s.mu.Unlock, nil
}

// awaitCompletion polls the named vector until the device answers the write
// made after generation since. Busy keeps polling, Ok completes, Alert and
// Idle mean the motion was aborted or stopped before completing.
func (s *Sequencer) awaitCompletion(ctx context.Context, name string, since uint64, timeout time.Duration) (indi.Vector, error) {
	var last indi.Vector
	policy := poll.For(timeout, s.timeouts().PollInterval)

	err := poll.UntilErr(ctx, policy, func() (bool, error) {
		if !s.session.Connected() {
			return false, mount.ErrNotConnected
		}
		v, err := s.session.Vector(name)
		if err != nil {
			return false, err
		}
		if v.Generation <= since {
			return false, nil
		}
		last = v
		switch v.State {
		case indi.StateBusy:
			return false, nil
		case indi.StateOk:
			return true, nil
		default:
			return false, fmt.Errorf("%s went %s: %w", name, v.State, mount.ErrMotionAborted)
		}
	})
	if errors.Is(err, poll.ErrTimeout) {
		return last, fmt.Errorf("%s after %v: %w", name, policy.Timeout(), mount.ErrMotionTimeout)
	}
	return last, err
}

// awaitReadBack polls until the device echoes a write made after
// generation since and check accepts the echoed value.
func (s *Sequencer) awaitReadBack(ctx context.Context, name string, since uint64, check func(indi.Vector) bool) error {
	policy := poll.For(s.timeouts().ConfigTimeout, s.timeouts().PollInterval)

	err := poll.UntilErr(ctx, policy, func() (bool, error) {
		if !s.session.Connected() {
			return false, mount.ErrNotConnected
		}
		v, err := s.session.Vector(name)
		if err != nil {
			return false, err
		}
		if v.Generation <= since || v.State == indi.StateBusy {
			return false, nil
		}
		if v.State == indi.StateAlert {
			return false, fmt.Errorf("%s rejected by the device: %w", name, mount.ErrConfigMismatch)
		}
		return check(v), nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%s: %w", name, mount.ErrConfigMismatch)
	}
	return err
}

func (s *Sequencer) generation(name string) uint64 {
	return s.session.cache.Generation(name)
}

func coordinatesOf(v indi.Vector) (mount.Coordinates, error) {
	ra, err := v.Number("RA")
	if err != nil {
		return mount.Coordinates{}, err
	}
	dec, err := v.Number("DEC")
	if err != nil {
		return mount.Coordinates{}, err
	}
	return mount.Coordinates{RA: ra, Dec: dec}, nil
}

// gotoTarget selects a coordinate mode and writes the target into the
// coordinate vector, then waits for the motion to finish.
func (s *Sequencer) gotoTarget(ctx context.Context, mode string, target mount.Coordinates) (mount.Coordinates, error) {
	if err := s.session.writeExclusive(ctx, vecCoordSet, mode); err != nil {
		return mount.Coordinates{}, err
	}
	if err := poll.Sleep(ctx, s.timeouts().Settle); err != nil {
		return mount.Coordinates{}, err
	}

	coord := s.session.CoordVector()
	since := s.generation(coord)
	elements := []indi.Element{{Name: "RA", Number: target.RA}, {Name: "DEC", Number: target.Dec}}
	if err := s.session.WriteVector(ctx, coord, elements); err != nil {
		return mount.Coordinates{}, err
	}

	v, err := s.awaitCompletion(ctx, coord, since, s.timeouts().SlewTimeout)
	if err != nil {
		return mount.Coordinates{}, err
	}
	return coordinatesOf(v)
}

func (s *Sequencer) SlewTo(ctx context.Context, target mount.Coordinates) (mount.Coordinates, error) {
	if err := target.Validate(); err != nil {
		return mount.Coordinates{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return mount.Coordinates{}, err
	}
	defer unlock()

	s.logger.Infof("Slewing to %s", target)
	reached, err := s.gotoTarget(ctx, "SLEW", target)
	if err != nil {
		s.logger.Warnf("Slew to %s failed: %v", target, err)
		return mount.Coordinates{}, err
	}
	s.logger.Infof("Slew complete at %s", reached)
	return reached, nil
}

func (s *Sequencer) SyncTo(ctx context.Context, target mount.Coordinates) (mount.Coordinates, error) {
	if err := target.Validate(); err != nil {
		return mount.Coordinates{}, err
	}
	unlock, err := s.lock()
	if err != nil {
		return mount.Coordinates{}, err
	}
	defer unlock()

	s.logger.Infof("Syncing to %s", target)
	reached, err := s.gotoTarget(ctx, "SYNC", target)

	if s.session.profile.SyncMode == SyncRevert {
		rctx, cancel := s.cleanupContext(ctx)
		if rerr := s.session.writeExclusive(rctx, vecCoordSet, "SLEW"); rerr != nil {
			s.logger.Warnf("Failed to restore slew mode: %v", rerr)
		}
		cancel()
	}
	if err != nil {
		return mount.Coordinates{}, err
	}
	return reached, nil
}

// AbortMotion does not wait for the sequencer so it can interrupt a slew
// that is being polled.
func (s *Sequencer) AbortMotion(ctx context.Context) error {
	if !s.session.Connected() {
		return mount.ErrNotConnected
	}
	s.logger.Info("Aborting motion")
	return s.session.WriteVector(ctx, vecAbort, []indi.Element{{Name: "ABORT", Switch: true}})
}

func (s *Sequencer) setPark(ctx context.Context, element string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	since := s.generation(vecPark)
	if err := s.session.writeExclusive(ctx, vecPark, element); err != nil {
		return err
	}
	if _, err := s.awaitCompletion(ctx, vecPark, since, s.timeouts().ParkTimeout); err != nil {
		return err
	}
	s.logger.Infof("Mount %s", strings.ToLower(element)+"ed")
	return nil
}

func (s *Sequencer) Park(ctx context.Context) error {
	return s.setPark(ctx, "PARK")
}

func (s *Sequencer) Unpark(ctx context.Context) error {
	return s.setPark(ctx, "UNPARK")
}

func (s *Sequencer) Move(ctx context.Context, dir mount.Direction) error {
	var vector, element string
	switch dir {
	case mount.DirNorth:
		vector, element = vecMotionNS, "MOTION_NORTH"
	case mount.DirSouth:
		vector, element = vecMotionNS, "MOTION_SOUTH"
	case mount.DirEast:
		vector, element = vecMotionWE, "MOTION_EAST"
	case mount.DirWest:
		vector, element = vecMotionWE, "MOTION_WEST"
	case mount.DirStop:
	default:
		return fmt.Errorf("%q: %w", dir, mount.ErrInvalidDirection)
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if dir != mount.DirStop {
		s.logger.Debugf("Moving %s", dir)
		return s.session.writeExclusive(ctx, vector, element)
	}

	for _, name := range []string{vecMotionNS, vecMotionWE} {
		v, err := s.session.Vector(name)
		if err != nil {
			return err
		}
		elements, err := indi.AllOff(v)
		if err != nil {
			return err
		}
		if err := s.session.WriteVector(ctx, name, elements); err != nil {
			return err
		}
	}
	s.logger.Debug("Motion stopped")
	return nil
}

func (s *Sequencer) Coordinates(ctx context.Context) (mount.Coordinates, error) {
	if !s.session.Connected() {
		return mount.Coordinates{}, mount.ErrNotConnected
	}
	v, err := s.session.Vector(s.session.CoordVector())
	if err != nil {
		return mount.Coordinates{}, err
	}
	return coordinatesOf(v)
}

func (s *Sequencer) ParkPosition(ctx context.Context) (mount.ParkPosition, error) {
	if !s.session.Connected() {
		return mount.ParkPosition{}, mount.ErrNotConnected
	}
	pair, err := s.session.parkElements()
	if err != nil {
		return mount.ParkPosition{}, err
	}
	v, err := s.session.Vector(vecParkPosition)
	if err != nil {
		return mount.ParkPosition{}, err
	}
	a1, err := v.Number(pair.axis1)
	if err != nil {
		return mount.ParkPosition{}, err
	}
	a2, err := v.Number(pair.axis2)
	if err != nil {
		return mount.ParkPosition{}, err
	}
	return mount.ParkPosition{Frame: pair.frame, Axis1: a1, Axis2: a2}, nil
}

// SetParkPosition writes the park position in the frame the device uses.
// An empty frame in pos means that frame.
func (s *Sequencer) SetParkPosition(ctx context.Context, pos mount.ParkPosition) error {
	if !s.session.Connected() {
		return mount.ErrNotConnected
	}
	pair, err := s.session.parkElements()
	if err != nil {
		return err
	}
	if pos.Frame == "" {
		pos.Frame = pair.frame
	}
	if pos.Frame != pair.frame {
		return fmt.Errorf("device parks in %s frame, got %s: %w", pair.frame, pos.Frame, mount.ErrInvalidOption)
	}
	if err := pos.Validate(); err != nil {
		return err
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	since := s.generation(vecParkPosition)
	elements := []indi.Element{{Name: pair.axis1, Number: pos.Axis1}, {Name: pair.axis2, Number: pos.Axis2}}
	if err := s.session.WriteVector(ctx, vecParkPosition, elements); err != nil {
		return err
	}
	return s.awaitReadBack(ctx, vecParkPosition, since, func(v indi.Vector) bool {
		a1, err1 := v.Number(pair.axis1)
		a2, err2 := v.Number(pair.axis2)
		return err1 == nil && err2 == nil &&
			math.Abs(a1-pos.Axis1) <= readBackTolerance && math.Abs(a2-pos.Axis2) <= readBackTolerance
	})
}

func (s *Sequencer) SetParkOption(ctx context.Context, opt mount.ParkOption) error {
	element, ok := parkOptionElements[opt]
	if !ok {
		return fmt.Errorf("park option %q: %w", opt, mount.ErrInvalidOption)
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	s.logger.Infof("Park option %s", element)
	return s.session.writeExclusive(ctx, vecParkOption, element)
}

func (s *Sequencer) SiteCoordinates(ctx context.Context) (mount.Site, error) {
	if !s.session.Connected() {
		return mount.Site{}, mount.ErrNotConnected
	}
	v, err := s.session.Vector(vecGeographic)
	if err != nil {
		return mount.Site{}, err
	}

	var site mount.Site
	for _, f := range []struct {
		name string
		dst  *float64
	}{{"LAT", &site.Latitude}, {"LONG", &site.Longitude}, {"ELEV", &site.Elevation}} {
		if *f.dst, err = v.Number(f.name); err != nil {
			return mount.Site{}, err
		}
	}
	return site, nil
}

func (s *Sequencer) SetSiteCoordinates(ctx context.Context, site mount.Site) error {
	if err := site.Validate(); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	return s.session.WriteVector(ctx, vecGeographic, []indi.Element{
		{Name: "LAT", Number: site.Latitude},
		{Name: "LONG", Number: site.Longitude},
		{Name: "ELEV", Number: site.Elevation},
	})
}

// splitUTC splits the UTC element into its date and time-of-day halves.
func splitUTC(utc string) (date, clock string, err error) {
	date, clock, ok := strings.Cut(strings.TrimSpace(utc), "T")
	if !ok || len(clock) < len(mount.ClockLayout) {
		return "", "", fmt.Errorf("utc %q: %w", utc, mount.ErrInvalidTime)
	}
	clock = clock[:len(mount.ClockLayout)]
	if err := mount.ValidateDate(date); err != nil {
		return "", "", err
	}
	if err := mount.ValidateClock(clock); err != nil {
		return "", "", err
	}
	return date, clock, nil
}

func (s *Sequencer) timeUTC() (date, clock, offset string, err error) {
	if !s.session.Connected() {
		return "", "", "", mount.ErrNotConnected
	}
	v, err := s.session.Vector(vecTimeUTC)
	if err != nil {
		return "", "", "", err
	}
	utc, err := v.Text("UTC")
	if err != nil {
		return "", "", "", err
	}
	if offset, err = v.Text("OFFSET"); err != nil {
		return "", "", "", err
	}
	date, clock, err = splitUTC(utc)
	return date, clock, offset, err
}

func (s *Sequencer) Time(ctx context.Context) (string, string, error) {
	_, clock, offset, err := s.timeUTC()
	return clock, offset, err
}

func (s *Sequencer) Date(ctx context.Context) (string, error) {
	date, _, _, err := s.timeUTC()
	return date, err
}

// writeUTC rewrites TIME_UTC and waits for the device to echo it.
func (s *Sequencer) writeUTC(ctx context.Context, values map[string]string) error {
	since := s.generation(vecTimeUTC)
	if err := s.session.WriteVector(ctx, vecTimeUTC, indi.Texts(values)); err != nil {
		return err
	}
	return s.awaitReadBack(ctx, vecTimeUTC, since, func(v indi.Vector) bool {
		for name, want := range values {
			if got, err := v.Text(name); err != nil || got != want {
				return false
			}
		}
		return true
	})
}

// SetTime replaces the time of day and the offset, keeping the stored date.
func (s *Sequencer) SetTime(ctx context.Context, clock, offset string) error {
	if err := mount.ValidateClock(clock); err != nil {
		return err
	}
	if err := mount.ValidateOffset(offset); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	date, _, _, err := s.timeUTC()
	if err != nil {
		date = time.Now().UTC().Format(mount.DateLayout)
		s.logger.Warnf("Stored UTC unreadable, using today's date %s: %v", date, err)
	}
	return s.writeUTC(ctx, map[string]string{"UTC": date + "T" + clock, "OFFSET": offset})
}

// SetDate replaces the date, keeping the stored time of day and offset.
func (s *Sequencer) SetDate(ctx context.Context, date string) error {
	if err := mount.ValidateDate(date); err != nil {
		return err
	}
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	_, clock, _, err := s.timeUTC()
	if err != nil {
		clock = time.Now().UTC().Format(mount.ClockLayout)
		s.logger.Warnf("Stored UTC unreadable, using current time %s: %v", clock, err)
	}
	return s.writeUTC(ctx, map[string]string{"UTC": date + "T" + clock})
}

func (s *Sequencer) TrackingState(ctx context.Context) (bool, error) {
	if !s.session.Connected() {
		return false, mount.ErrNotConnected
	}
	v, err := s.session.Vector(vecTrackState)
	if err != nil {
		return false, err
	}
	return v.Switch("TRACK_ON")
}

func (s *Sequencer) SetTrackingState(ctx context.Context, on bool) error {
	element := "TRACK_OFF"
	if on {
		element = "TRACK_ON"
	}
	return s.selectVerified(ctx, vecTrackState, element)
}

// selectVerified switches a single-select vector and waits until the
// device reports the new selection.
func (s *Sequencer) selectVerified(ctx context.Context, name, element string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	since := s.generation(name)
	if err := s.session.writeExclusive(ctx, name, element); err != nil {
		return err
	}
	return s.awaitReadBack(ctx, name, since, func(v indi.Vector) bool {
		on := v.OnSwitches()
		return len(on) == 1 && on[0] == element
	})
}

func (s *Sequencer) SlewRate(ctx context.Context) (mount.SlewRates, error) {
	if !s.session.Connected() {
		return mount.SlewRates{}, mount.ErrNotConnected
	}
	v, err := s.session.Vector(vecSlewRate)
	if err != nil {
		return mount.SlewRates{}, err
	}

	rates := mount.SlewRates{Rates: make([]string, 0, len(v.Elements))}
	for _, e := range v.Elements {
		rates.Rates = append(rates.Rates, e.Name)
		if e.Switch && rates.Current == "" {
			rates.Current = e.Name
		}
	}
	return rates, nil
}

func (s *Sequencer) SetSlewRate(ctx context.Context, rate string) error {
	if !s.session.Connected() {
		return mount.ErrNotConnected
	}
	v, err := s.session.Vector(vecSlewRate)
	if err != nil {
		return err
	}
	if !v.Has(rate) {
		return fmt.Errorf("slew rate %q: %w", rate, mount.ErrInvalidOption)
	}
	return s.selectVerified(ctx, vecSlewRate, rate)
}

// LoadConfig asks the driver to load its saved configuration. Drivers that
// never reset CONFIG_LOAD are reset from here once the wait runs out.
func (s *Sequencer) LoadConfig(ctx context.Context) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	since := s.generation(vecConfigProcess)
	if err := s.session.WriteVector(ctx, vecConfigProcess, []indi.Element{{Name: "CONFIG_LOAD", Switch: true}}); err != nil {
		return err
	}

	policy := poll.For(s.timeouts().ConfigTimeout, s.timeouts().PollInterval)
	err = poll.Until(ctx, policy, func() bool {
		v, err := s.session.Vector(vecConfigProcess)
		if err != nil || v.Generation <= since {
			return false
		}
		on, err := v.Switch("CONFIG_LOAD")
		return err == nil && !on
	})
	switch {
	case errors.Is(err, poll.ErrTimeout):
		s.logger.Warnf("Driver did not reset CONFIG_LOAD within %v", policy.Timeout())
	case err != nil:
		return err
	default:
		s.logger.Info("Configuration loaded")
	}

	rctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	return s.session.WriteVector(rctx, vecConfigProcess, []indi.Element{{Name: "CONFIG_LOAD", Switch: false}})
}
