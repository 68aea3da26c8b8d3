// Package catalog resolves object names to equatorial coordinates.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

//go:embed objects.yaml
var defaultObjects []byte

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Name    string   `yaml:"name" json:"name"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Type    string   `yaml:"type,omitempty" json:"type,omitempty"`
	RA      float64  `yaml:"ra" json:"ra"`
	Dec     float64  `yaml:"dec" json:"dec"`
}

func (o Object) Coordinates() mount.Coordinates {
	return mount.Coordinates{RA: o.RA, Dec: o.Dec}
}

type file struct {
	Objects []Object `yaml:"objects"`
}

type Catalog struct {
	objects []Object
	index   map[string]int
}

func key(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Parse reads a YAML catalog. Names and aliases must be unique ignoring case
// and spacing.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{index: make(map[string]int)}
	for _, o := range f.Objects {
		if o.Name == "" {
			return nil, fmt.Errorf("catalog entry without a name")
		}
		if err := o.Coordinates().Validate(); err != nil {
			return nil, fmt.Errorf("catalog entry %s: %w", o.Name, err)
		}

		i := len(c.objects)
		for _, n := range append([]string{o.Name}, o.Aliases...) {
			k := key(n)
			if _, dup := c.index[k]; dup {
				return nil, fmt.Errorf("catalog name %q used twice", n)
			}
			c.index[k] = i
		}
		c.objects = append(c.objects, o)
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultObjects)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads a catalog file, or the built-in one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (c *Catalog) Lookup(name string) (Object, error) {
	i, ok := c.index[key(name)]
	if !ok {
		return Object{}, fmt.Errorf("%q: %w", name, ErrObjectNotFound)
	}
	return c.objects[i], nil
}

// Objects lists the catalog sorted by name.
func (c *Catalog) Objects() []Object {
	out := append([]Object(nil), c.objects...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Catalog) Len() int {
	return len(c.objects)
}
