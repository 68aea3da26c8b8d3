package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// angle accepts a JSON number or string, or a form value. Strings may be
// sexagesimal.
type angle string

func (a *angle) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = angle(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("angle %s: %w", b, mount.ErrInvalidCoordinates)
	}
	*a = angle(b)
	return nil
}

func (a *angle) UnmarshalParam(s string) error {
	*a = angle(s)
	return nil
}

type coordinatesRequest struct {
	RA  angle `json:"ra" form:"ra"`
	Dec angle `json:"dec" form:"dec"`
}

func (r coordinatesRequest) coordinates() (mount.Coordinates, error) {
	if r.RA == "" || r.Dec == "" {
		return mount.Coordinates{}, fmt.Errorf("ra and dec are required: %w", mount.ErrInvalidCoordinates)
	}
	ra, err := mount.ParseRA(string(r.RA))
	if err != nil {
		return mount.Coordinates{}, err
	}
	dec, err := mount.ParseDec(string(r.Dec))
	if err != nil {
		return mount.Coordinates{}, err
	}
	return mount.Coordinates{RA: ra, Dec: dec}, nil
}

type commandRequest struct {
	Command string `json:"command" form:"command"`
}

type objectRequest struct {
	Name string `json:"name" form:"name"`
}

type parkOptionRequest struct {
	Option string `json:"option" form:"option"`
}

type timeRequest struct {
	Time   string `json:"time" form:"time"`
	Offset string `json:"offset" form:"offset"`
}

type timeValue struct {
	Time   string `json:"time"`
	Offset string `json:"offset"`
}

type dateRequest struct {
	Date string `json:"date" form:"date"`
}

type trackingRequest struct {
	Enabled bool `json:"enabled" form:"enabled"`
}

type slewRateRequest struct {
	Rate string `json:"rate" form:"rate"`
}
