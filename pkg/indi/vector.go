// Package indi models device property vectors and the push-updated cache
// that holds the last known value of every vector of one device.
package indi

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrVectorNotFound  = errors.New("vector not found")
	ErrElementNotFound = errors.New("element not found")
	ErrKindMismatch    = errors.New("vector kind mismatch")
)

// State is the overall state of a vector as reported by the driver.
type State int

const (
	StateIdle State = iota
	StateOk
	StateBusy
	StateAlert
)

var stateNames = [...]string{"Idle", "Ok", "Busy", "Alert"}

func (s State) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if strings.EqualFold(s, name) {
			return State(i), nil
		}
	}
	return StateIdle, fmt.Errorf("invalid vector state: %q", s)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Kind is the value type carried by the elements of a vector.
type Kind int

const (
	KindSwitch Kind = iota
	KindNumber
	KindText
)

var kindNames = [...]string{"switch", "number", "text"}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if strings.EqualFold(string(b), name) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("invalid vector kind: %q", string(b))
}

// Permission of a vector from the client's point of view.
type Permission string

const (
	PermReadOnly  Permission = "ro"
	PermWriteOnly Permission = "wo"
	PermReadWrite Permission = "rw"
)

// SwitchRule constrains how many elements of a switch vector may be On.
type SwitchRule string

const (
	RuleOneOfMany SwitchRule = "OneOfMany"
	RuleAtMostOne SwitchRule = "AtMostOne"
	RuleAnyOfMany SwitchRule = "AnyOfMany"
)

// Element is a single named value of a vector. Only the field matching the
// vector kind is meaningful.
type Element struct {
	Name   string  `json:"name"`
	Label  string  `json:"label,omitempty"`
	Switch bool    `json:"switch,omitempty"`
	Number float64 `json:"number,omitempty"`
	Text   string  `json:"text,omitempty"`
}

// Vector is a named, typed group of elements with an overall state.
type Vector struct {
	Device    string     `json:"device"`
	Name      string     `json:"name"`
	Label     string     `json:"label,omitempty"`
	Group     string     `json:"group,omitempty"`
	Kind      Kind       `json:"kind"`
	Perm      Permission `json:"perm,omitempty"`
	Rule      SwitchRule `json:"rule,omitempty"`
	State     State      `json:"state"`
	Elements  []Element  `json:"elements"`
	Timestamp time.Time  `json:"timestamp"`

	// Generation is assigned by the cache on every replacement.
	Generation uint64 `json:"-"`
}

// Clone returns a deep copy of the vector.
func (v Vector) Clone() Vector {
	c := v
	c.Elements = make([]Element, len(v.Elements))
	copy(c.Elements, v.Elements)
	return c
}

func (v Vector) Element(name string) (Element, bool) {
	for _, e := range v.Elements {
		if e.Name == name {
			return e, true
		}
	}
	return Element{}, false
}

func (v Vector) Has(name string) bool {
	_, ok := v.Element(name)
	return ok
}

// Number returns the value of a number element.
func (v Vector) Number(name string) (float64, error) {
	if v.Kind != KindNumber {
		return 0, fmt.Errorf("%s is a %s vector: %w", v.Name, v.Kind, ErrKindMismatch)
	}
	e, ok := v.Element(name)
	if !ok {
		return 0, fmt.Errorf("%s.%s: %w", v.Name, name, ErrElementNotFound)
	}
	return e.Number, nil
}

// Text returns the value of a text element.
func (v Vector) Text(name string) (string, error) {
	if v.Kind != KindText {
		return "", fmt.Errorf("%s is a %s vector: %w", v.Name, v.Kind, ErrKindMismatch)
	}
	e, ok := v.Element(name)
	if !ok {
		return "", fmt.Errorf("%s.%s: %w", v.Name, name, ErrElementNotFound)
	}
	return e.Text, nil
}

// Switch returns the state of a switch element.
func (v Vector) Switch(name string) (bool, error) {
	if v.Kind != KindSwitch {
		return false, fmt.Errorf("%s is a %s vector: %w", v.Name, v.Kind, ErrKindMismatch)
	}
	e, ok := v.Element(name)
	if !ok {
		return false, fmt.Errorf("%s.%s: %w", v.Name, name, ErrElementNotFound)
	}
	return e.Switch, nil
}

// OnSwitches returns the names of all switch elements that are On, in order.
func (v Vector) OnSwitches() []string {
	var on []string
	for _, e := range v.Elements {
		if e.Switch {
			on = append(on, e.Name)
		}
	}
	return on
}

// Write is a request to change the elements of a vector on the device.
type Write struct {
	Device   string    `json:"device"`
	Name     string    `json:"name"`
	Kind     Kind      `json:"kind"`
	Elements []Element `json:"elements"`
}

// Exclusive builds the elements of a switch write where only the named
// element is On and every sibling known to the driver is Off.
func Exclusive(v Vector, on string) ([]Element, error) {
	if v.Kind != KindSwitch {
		return nil, fmt.Errorf("%s is a %s vector: %w", v.Name, v.Kind, ErrKindMismatch)
	}
	if !v.Has(on) {
		return nil, fmt.Errorf("%s.%s: %w", v.Name, on, ErrElementNotFound)
	}

	elements := make([]Element, len(v.Elements))
	for i, e := range v.Elements {
		elements[i] = Element{Name: e.Name, Switch: e.Name == on}
	}
	return elements, nil
}

// AllOff builds a switch write turning every element Off.
func AllOff(v Vector) ([]Element, error) {
	if v.Kind != KindSwitch {
		return nil, fmt.Errorf("%s is a %s vector: %w", v.Name, v.Kind, ErrKindMismatch)
	}

	elements := make([]Element, len(v.Elements))
	for i, e := range v.Elements {
		elements[i] = Element{Name: e.Name}
	}
	return elements, nil
}

// Numbers builds a number write from name/value pairs.
func Numbers(values map[string]float64) []Element {
	elements := make([]Element, 0, len(values))
	for name, value := range values {
		elements = append(elements, Element{Name: name, Number: value})
	}
	return elements
}

// Texts builds a text write from name/value pairs.
func Texts(values map[string]string) []Element {
	elements := make([]Element, 0, len(values))
	for name, value := range values {
		elements = append(elements, Element{Name: name, Text: value})
	}
	return elements
}

// Validate checks that a write only names elements the driver defined for v.
func (w Write) Validate(v Vector) error {
	if w.Kind != v.Kind {
		return fmt.Errorf("write %s as %s, vector is %s: %w", w.Name, w.Kind, v.Kind, ErrKindMismatch)
	}
	if v.Perm == PermReadOnly {
		return fmt.Errorf("vector %s is read-only", v.Name)
	}
	for _, e := range w.Elements {
		if !v.Has(e.Name) {
			return fmt.Errorf("%s.%s: %w", v.Name, e.Name, ErrElementNotFound)
		}
	}
	return nil
}
