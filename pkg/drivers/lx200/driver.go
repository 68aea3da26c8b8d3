package lx200

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

const (
	driverName = "LX200 Driver"
	deviceName = "LX200"
)

var (
	raPattern  = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d:[0-5]\d$`)
	decPattern = regexp.MustCompile(`^[+-]\d{2}\*\d{2}:\d{2}$`)
)

var movement = map[mount.Direction]string{
	mount.DirNorth: "Mn",
	mount.DirSouth: "Ms",
	mount.DirEast:  "Me",
	mount.DirWest:  "Mw",
	mount.DirStop:  "Q",
}

// Alignment modes accepted by Align.
var alignment = map[string]string{
	"polar": "AP",
	"land":  "AL",
	"altaz": "AA",
}

// Information queries accepted by Information.
var information = map[string]string{
	"altitude":                   "GA",
	"calendar_format":            "Gc",
	"declination":                "GD",
	"current_object_declination": "Gd",
	"offset":                     "GG",
	"site_longitude":             "Gg",
	"site_latitude":              "Gt",
	"right_ascension":            "GR",
	"firmware":                   "GVN",
	"date":                       "GC",
	"time":                       "GL",
	"deep_sky_object":            "Gy",
}

var slewRates = []struct {
	name    string
	command string
}{
	{"SLEW_GUIDE", "RG"},
	{"SLEW_CENTERING", "RC"},
	{"SLEW_FIND", "RM"},
	{"SLEW_MAX", "RS"},
}

// Driver implements mount.Telescope for LX200 mounts. The protocol has no
// completion feedback, so motion commands return once the mount accepted
// them.
type Driver struct {
	client *Client
	logger log.FieldLogger

	mu        sync.Mutex
	connected bool
	slewRate  string
}

func NewDriver(cfg Config, logger log.FieldLogger) *Driver {
	logger = logger.WithField("driver", "lx200")
	return &Driver{
		client:   NewClient(cfg, logger),
		logger:   logger,
		slewRate: "SLEW_MAX",
	}
}

func (d *Driver) Info() mount.Info {
	return mount.Info{Driver: driverName, Device: deviceName, Connected: d.Connected()}
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Connect checks the mount answers a firmware query.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return mount.ErrAlreadyConnected
	}
	firmware, err := d.client.Query(ctx, information["firmware"])
	if err != nil {
		return err
	}
	d.connected = true
	d.logger.Infof("Connected to LX200 mount at %s (firmware %q)", d.client.cfg.Address, firmware)
	return nil
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return mount.ErrNotConnected
	}
	d.connected = false
	d.logger.Info("Disconnected from LX200 mount")
	return nil
}

func (d *Driver) check() error {
	if !d.Connected() {
		return mount.ErrNotConnected
	}
	return nil
}

// formatTarget renders and validates coordinates in the LX200 layout.
func formatTarget(target mount.Coordinates) (ra, dec string, err error) {
	if err := target.Validate(); err != nil {
		return "", "", err
	}
	ra, dec = mount.FormatRA(target.RA), mount.FormatDec(target.Dec)
	if !raPattern.MatchString(ra) {
		return "", "", fmt.Errorf("ra %q: %w", ra, mount.ErrInvalidCoordinates)
	}
	if !decPattern.MatchString(dec) {
		return "", "", fmt.Errorf("dec %q: %w", dec, mount.ErrInvalidCoordinates)
	}
	return ra, dec, nil
}

func (d *Driver) setTarget(ctx context.Context, ra, dec string) error {
	for _, cmd := range []string{"Sr" + ra, "Sd" + dec} {
		reply, err := d.client.Query(ctx, cmd)
		if err != nil {
			return err
		}
		if strings.HasPrefix(reply, "0") {
			return fmt.Errorf("mount rejected %s: %w", cmd, mount.ErrInvalidCoordinates)
		}
	}
	return nil
}

func (d *Driver) SlewTo(ctx context.Context, target mount.Coordinates) (mount.Coordinates, error) {
	ra, dec, err := formatTarget(target)
	if err != nil {
		return mount.Coordinates{}, err
	}
	if err := d.check(); err != nil {
		return mount.Coordinates{}, err
	}

	if err := d.setTarget(ctx, ra, dec); err != nil {
		return mount.Coordinates{}, err
	}
	reply, err := d.client.Query(ctx, "MS")
	if err != nil {
		return mount.Coordinates{}, err
	}
	// 0 means the slew started, 1 and 2 carry a reason it did not.
	if reply != "" && reply[0] != '0' {
		return mount.Coordinates{}, fmt.Errorf("slew refused: %s: %w", strings.TrimLeft(reply[1:], " "), mount.ErrMotionAborted)
	}
	d.logger.Infof("Slewing to %s %s", ra, dec)
	return target, nil
}

func (d *Driver) SyncTo(ctx context.Context, target mount.Coordinates) (mount.Coordinates, error) {
	ra, dec, err := formatTarget(target)
	if err != nil {
		return mount.Coordinates{}, err
	}
	if err := d.check(); err != nil {
		return mount.Coordinates{}, err
	}

	if err := d.setTarget(ctx, ra, dec); err != nil {
		return mount.Coordinates{}, err
	}
	if _, err := d.client.Query(ctx, "CM"); err != nil {
		return mount.Coordinates{}, err
	}
	return target, nil
}

func (d *Driver) AbortMotion(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.client.Send(ctx, movement[mount.DirStop])
}

func (d *Driver) Move(ctx context.Context, dir mount.Direction) error {
	cmd, ok := movement[dir]
	if !ok {
		return fmt.Errorf("%q: %w", dir, mount.ErrInvalidDirection)
	}
	if err := d.check(); err != nil {
		return err
	}
	return d.client.Send(ctx, cmd)
}

// Align switches the mount alignment mode: polar, land or altaz.
func (d *Driver) Align(ctx context.Context, mode string) error {
	cmd, ok := alignment[strings.ToLower(mode)]
	if !ok {
		return fmt.Errorf("alignment %q: %w", mode, mount.ErrInvalidOption)
	}
	if err := d.check(); err != nil {
		return err
	}
	return d.client.Send(ctx, cmd)
}

// Information runs one of the named get queries and returns the raw reply.
func (d *Driver) Information(ctx context.Context, name string) (string, error) {
	cmd, ok := information[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("information %q: %w", name, mount.ErrInvalidOption)
	}
	if err := d.check(); err != nil {
		return "", err
	}
	return d.client.Query(ctx, cmd)
}

// normalizeDegrees maps the firmware degree signs to '*'.
func normalizeDegrees(s string) string {
	return strings.NewReplacer("ß", "*", "°", "*").Replace(s)
}

func (d *Driver) Coordinates(ctx context.Context) (mount.Coordinates, error) {
	if err := d.check(); err != nil {
		return mount.Coordinates{}, err
	}
	raReply, err := d.client.Query(ctx, "GR")
	if err != nil {
		return mount.Coordinates{}, err
	}
	decReply, err := d.client.Query(ctx, "GD")
	if err != nil {
		return mount.Coordinates{}, err
	}

	ra, err := mount.ParseRA(raReply)
	if err != nil {
		return mount.Coordinates{}, err
	}
	dec, err := mount.ParseDec(normalizeDegrees(decReply))
	if err != nil {
		return mount.Coordinates{}, err
	}
	return mount.Coordinates{RA: ra, Dec: dec}, nil
}

func (d *Driver) Park(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.client.Send(ctx, "hP")
}

func (d *Driver) Unpark(ctx context.Context) error {
	return mount.ErrNotImplemented
}

func (d *Driver) ParkPosition(ctx context.Context) (mount.ParkPosition, error) {
	return mount.ParkPosition{}, mount.ErrNotImplemented
}

func (d *Driver) SetParkPosition(ctx context.Context, pos mount.ParkPosition) error {
	return mount.ErrNotImplemented
}

func (d *Driver) SetParkOption(ctx context.Context, opt mount.ParkOption) error {
	return mount.ErrNotImplemented
}

// parseDegMin parses "sDDD*MM" replies.
func parseDegMin(s string) (float64, error) {
	v, err := mount.ParseDec(normalizeDegrees(s))
	if err == nil {
		return v, nil
	}
	// longitudes run past 90
	s = normalizeDegrees(strings.TrimSpace(s))
	neg := strings.HasPrefix(s, "-")
	deg, mins, ok := strings.Cut(strings.TrimLeft(s, "+-"), "*")
	if !ok {
		return 0, fmt.Errorf("%q: %w", s, mount.ErrInvalidCoordinates)
	}
	dv, err1 := strconv.Atoi(deg)
	mv, err2 := strconv.Atoi(mins)
	if err1 != nil || err2 != nil || mv >= 60 {
		return 0, fmt.Errorf("%q: %w", s, mount.ErrInvalidCoordinates)
	}
	v = float64(dv) + float64(mv)/60
	if neg {
		v = -v
	}
	return v, nil
}

// SiteCoordinates reads latitude and longitude. The firmware counts
// longitude westward and does not store the elevation.
func (d *Driver) SiteCoordinates(ctx context.Context) (mount.Site, error) {
	if err := d.check(); err != nil {
		return mount.Site{}, err
	}
	latReply, err := d.client.Query(ctx, "Gt")
	if err != nil {
		return mount.Site{}, err
	}
	longReply, err := d.client.Query(ctx, "Gg")
	if err != nil {
		return mount.Site{}, err
	}

	lat, err := parseDegMin(latReply)
	if err != nil {
		return mount.Site{}, err
	}
	west, err := parseDegMin(longReply)
	if err != nil {
		return mount.Site{}, err
	}
	return mount.Site{Latitude: lat, Longitude: math.Mod(360-west, 360)}, nil
}

func formatDegMin(v float64, width int, signed bool) string {
	sign := ""
	if signed {
		sign = "+"
		if v < 0 {
			sign = "-"
		}
	}
	total := int(math.Round(math.Abs(v) * 60))
	return fmt.Sprintf("%s%0*d*%02d", sign, width, total/60, total%60)
}

func (d *Driver) SetSiteCoordinates(ctx context.Context, site mount.Site) error {
	if err := site.Validate(); err != nil {
		return err
	}
	if err := d.check(); err != nil {
		return err
	}

	west := math.Mod(360-site.Longitude, 360)
	if west < 0 {
		west += 360
	}
	for _, cmd := range []string{"St" + formatDegMin(site.Latitude, 2, true), "Sg" + formatDegMin(west, 3, false)} {
		reply, err := d.client.Query(ctx, cmd)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(reply, "1") {
			return fmt.Errorf("mount rejected %s: %w", cmd, mount.ErrConfigMismatch)
		}
	}
	return nil
}

func (d *Driver) Time(ctx context.Context) (string, string, error) {
	if err := d.check(); err != nil {
		return "", "", err
	}
	clock, err := d.client.Query(ctx, information["time"])
	if err != nil {
		return "", "", err
	}
	offset, err := d.client.Query(ctx, information["offset"])
	if err != nil {
		return "", "", err
	}
	if err := mount.ValidateClock(clock); err != nil {
		return "", "", err
	}
	return clock, offset, nil
}

func (d *Driver) SetTime(ctx context.Context, clock, offset string) error {
	if err := mount.ValidateClock(clock); err != nil {
		return err
	}
	if err := mount.ValidateOffset(offset); err != nil {
		return err
	}
	if err := d.check(); err != nil {
		return err
	}

	hours, _ := strconv.ParseFloat(strings.TrimSpace(offset), 64)
	for _, cmd := range []string{"SL" + clock, fmt.Sprintf("SG%+05.1f", hours)} {
		reply, err := d.client.Query(ctx, cmd)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(reply, "1") {
			return fmt.Errorf("mount rejected %s: %w", cmd, mount.ErrInvalidTime)
		}
	}
	return nil
}

// lx200Date is the firmware calendar layout.
const lx200Date = "01/02/06"

func (d *Driver) Date(ctx context.Context) (string, error) {
	if err := d.check(); err != nil {
		return "", err
	}
	reply, err := d.client.Query(ctx, information["date"])
	if err != nil {
		return "", err
	}
	t, err := time.Parse(lx200Date, reply)
	if err != nil {
		return "", fmt.Errorf("date reply %q: %w", reply, mount.ErrInvalidTime)
	}
	return t.Format(mount.DateLayout), nil
}

func (d *Driver) SetDate(ctx context.Context, date string) error {
	t, err := time.Parse(mount.DateLayout, date)
	if err != nil {
		return fmt.Errorf("date %q: %w", date, mount.ErrInvalidTime)
	}
	if err := d.check(); err != nil {
		return err
	}

	reply, err := d.client.Query(ctx, "SC"+t.Format(lx200Date))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "1") {
		return fmt.Errorf("mount rejected date %s: %w", date, mount.ErrInvalidTime)
	}
	return nil
}

func (d *Driver) TrackingState(ctx context.Context) (bool, error) {
	return false, mount.ErrNotImplemented
}

func (d *Driver) SetTrackingState(ctx context.Context, on bool) error {
	return mount.ErrNotImplemented
}

// SlewRate reports the last rate set through this driver; the protocol
// cannot query it.
func (d *Driver) SlewRate(ctx context.Context) (mount.SlewRates, error) {
	if err := d.check(); err != nil {
		return mount.SlewRates{}, err
	}
	rates := mount.SlewRates{}
	for _, r := range slewRates {
		rates.Rates = append(rates.Rates, r.name)
	}
	d.mu.Lock()
	rates.Current = d.slewRate
	d.mu.Unlock()
	return rates, nil
}

func (d *Driver) SetSlewRate(ctx context.Context, rate string) error {
	for _, r := range slewRates {
		if r.name != rate {
			continue
		}
		if err := d.check(); err != nil {
			return err
		}
		if err := d.client.Send(ctx, r.command); err != nil {
			return err
		}
		d.mu.Lock()
		d.slewRate = rate
		d.mu.Unlock()
		return nil
	}
	return fmt.Errorf("slew rate %q: %w", rate, mount.ErrInvalidOption)
}

func (d *Driver) LoadConfig(ctx context.Context) error {
	return mount.ErrNotImplemented
}

var _ mount.Telescope = (*Driver)(nil)
