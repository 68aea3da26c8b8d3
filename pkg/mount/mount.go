// Package mount defines the telescope mount operations exposed by the
// gateway and the value types shared by the mount drivers.
package mount

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Coordinates are equatorial coordinates: RA in hours [0,24), Dec in degrees [-90,90].
type Coordinates struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

func (c Coordinates) Validate() error {
	if math.IsNaN(c.RA) || c.RA < 0 || c.RA >= 24 {
		return fmt.Errorf("ra %v outside [0,24): %w", c.RA, ErrInvalidCoordinates)
	}
	if math.IsNaN(c.Dec) || c.Dec < -90 || c.Dec > 90 {
		return fmt.Errorf("dec %v outside [-90,90]: %w", c.Dec, ErrInvalidCoordinates)
	}
	return nil
}

func (c Coordinates) String() string {
	return FormatRA(c.RA) + " " + FormatDec(c.Dec)
}

// Frame of a park position.
type Frame string

const (
	FrameEquatorial Frame = "equatorial"
	FrameHorizontal Frame = "horizontal"
)

// ParkPosition holds RA/Dec (equatorial) or Az/Alt (horizontal) depending on
// which element pair the device exposes.
type ParkPosition struct {
	Frame Frame   `json:"frame"`
	Axis1 float64 `json:"axis1"`
	Axis2 float64 `json:"axis2"`
}

func (p ParkPosition) Validate() error {
	switch p.Frame {
	case FrameEquatorial:
		return Coordinates{RA: p.Axis1, Dec: p.Axis2}.Validate()
	case FrameHorizontal:
		if math.IsNaN(p.Axis1) || p.Axis1 < 0 || p.Axis1 >= 360 {
			return fmt.Errorf("azimuth %v outside [0,360): %w", p.Axis1, ErrInvalidCoordinates)
		}
		if math.IsNaN(p.Axis2) || p.Axis2 < -90 || p.Axis2 > 90 {
			return fmt.Errorf("altitude %v outside [-90,90]: %w", p.Axis2, ErrInvalidCoordinates)
		}
		return nil
	default:
		return fmt.Errorf("unknown park frame %q: %w", p.Frame, ErrInvalidOption)
	}
}

// Site is the observing location. Longitude is east-positive degrees.
type Site struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

func (s Site) Validate() error {
	if math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("latitude %v outside [-90,90]: %w", s.Latitude, ErrInvalidCoordinates)
	}
	if math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude >= 360 {
		return fmt.Errorf("longitude %v outside [-180,360): %w", s.Longitude, ErrInvalidCoordinates)
	}
	if math.IsNaN(s.Elevation) {
		return fmt.Errorf("elevation is not a number: %w", ErrInvalidCoordinates)
	}
	return nil
}

type Direction string

const (
	DirNorth Direction = "north"
	DirSouth Direction = "south"
	DirEast  Direction = "east"
	DirWest  Direction = "west"
	DirStop  Direction = "stop"
)

// ParseDirection accepts the plain direction names and the "move<dir>" and
// "stopMovement" forms used by older clients.
func ParseDirection(s string) (Direction, error) {
	d := strings.ToLower(strings.TrimSpace(s))
	d = strings.TrimPrefix(d, "move")
	switch Direction(d) {
	case DirNorth, DirSouth, DirEast, DirWest, DirStop:
		return Direction(d), nil
	}
	if d == "stopmovement" {
		return DirStop, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrInvalidDirection)
}

type ParkOption string

const (
	ParkCurrent   ParkOption = "current"
	ParkDefault   ParkOption = "default"
	ParkWriteData ParkOption = "write"
	ParkPurgeData ParkOption = "purge"
)

func ParseParkOption(s string) (ParkOption, error) {
	switch o := ParkOption(strings.ToLower(strings.TrimSpace(s))); o {
	case ParkCurrent, ParkDefault, ParkWriteData, ParkPurgeData:
		return o, nil
	}
	return "", fmt.Errorf("park option %q: %w", s, ErrInvalidOption)
}

// SlewRates lists the rates a mount offers and the one currently selected.
type SlewRates struct {
	Rates   []string `json:"rates"`
	Current string   `json:"current"`
}

// Info describes the mount behind a driver.
type Info struct {
	Driver    string `json:"driver"`
	Device    string `json:"device"`
	Connected bool   `json:"connected"`
}

// Telescope is the set of operations the gateway invokes on a mount driver.
// Drivers return ErrNotImplemented for operations they cannot perform.
type Telescope interface {
	Info() Info
	Connected() bool
	Connect(ctx context.Context) error
	Disconnect() error

	SlewTo(ctx context.Context, target Coordinates) (Coordinates, error)
	SyncTo(ctx context.Context, target Coordinates) (Coordinates, error)
	AbortMotion(ctx context.Context) error
	Move(ctx context.Context, dir Direction) error
	Coordinates(ctx context.Context) (Coordinates, error)

	Park(ctx context.Context) error
	Unpark(ctx context.Context) error
	ParkPosition(ctx context.Context) (ParkPosition, error)
	SetParkPosition(ctx context.Context, pos ParkPosition) error
	SetParkOption(ctx context.Context, opt ParkOption) error

	SiteCoordinates(ctx context.Context) (Site, error)
	SetSiteCoordinates(ctx context.Context, site Site) error

	Time(ctx context.Context) (clock string, offset string, err error)
	SetTime(ctx context.Context, clock string, offset string) error
	Date(ctx context.Context) (string, error)
	SetDate(ctx context.Context, date string) error

	TrackingState(ctx context.Context) (bool, error)
	SetTrackingState(ctx context.Context, on bool) error
	SlewRate(ctx context.Context) (SlewRates, error)
	SetSlewRate(ctx context.Context, rate string) error

	LoadConfig(ctx context.Context) error
}
