package mount

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	ClockLayout = "15:04:05"
	DateLayout  = "2006-01-02"
	// UTCLayout is the combined timestamp stored in a mount's UTC text element.
	UTCLayout = DateLayout + "T" + ClockLayout
)

// ParseRA parses right ascension in decimal hours or sexagesimal form
// ("10:41:02", "10 41 02.4", "10h41m02s").
func ParseRA(s string) (float64, error) {
	_, h, err := parseSexagesimal(s)
	if err != nil {
		return 0, fmt.Errorf("ra %q: %w", s, ErrInvalidCoordinates)
	}
	if h < 0 || h >= 24 {
		return 0, fmt.Errorf("ra %q outside [0,24): %w", s, ErrInvalidCoordinates)
	}
	return h, nil
}

// ParseDec parses declination in decimal degrees or sexagesimal form
// ("+41:16:08", "-05*23:28", "41°16'08\"").
func ParseDec(s string) (float64, error) {
	_, d, err := parseSexagesimal(s)
	if err != nil {
		return 0, fmt.Errorf("dec %q: %w", s, ErrInvalidCoordinates)
	}
	if d < -90 || d > 90 {
		return 0, fmt.Errorf("dec %q outside [-90,90]: %w", s, ErrInvalidCoordinates)
	}
	return d, nil
}

func parseSexagesimal(s string) (neg bool, value float64, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, 0, fmt.Errorf("empty value")
	}

	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ':', ' ', '*', '°', '\'', '"', 'h', 'm', 's', 'd':
			return true
		}
		return false
	})
	if len(fields) == 0 || len(fields) > 3 {
		return false, 0, fmt.Errorf("bad field count")
	}

	scale := 1.0
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v < 0 {
			return false, 0, fmt.Errorf("bad field %q", f)
		}
		if i > 0 && v >= 60 {
			return false, 0, fmt.Errorf("field %q out of range", f)
		}
		value += v / scale
		scale *= 60
	}

	if neg {
		value = -value
	}
	return neg, value, nil
}

// FormatRA renders hours as HH:MM:SS.
func FormatRA(hours float64) string {
	total := int(math.Round(hours*3600)) % (24 * 3600)
	if total < 0 {
		total += 24 * 3600
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

// FormatDec renders degrees as ±DD*MM:SS.
func FormatDec(degrees float64) string {
	sign := '+'
	if degrees < 0 {
		sign = '-'
	}
	total := int(math.Round(math.Abs(degrees) * 3600))
	return fmt.Sprintf("%c%02d*%02d:%02d", sign, total/3600, total/60%60, total%60)
}

// ValidateClock checks an HH:MM:SS time of day.
func ValidateClock(s string) error {
	if _, err := time.Parse(ClockLayout, s); err != nil {
		return fmt.Errorf("time %q: %w", s, ErrInvalidTime)
	}
	return nil
}

// ValidateDate checks a YYYY-MM-DD calendar date.
func ValidateDate(s string) error {
	if _, err := time.Parse(DateLayout, s); err != nil {
		return fmt.Errorf("date %q: %w", s, ErrInvalidTime)
	}
	return nil
}

// ValidateOffset checks a UTC offset given in hours.
func ValidateOffset(s string) error {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < -14 || v > 14 {
		return fmt.Errorf("utc offset %q: %w", s, ErrInvalidTime)
	}
	return nil
}
