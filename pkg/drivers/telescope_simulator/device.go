package telescope_simulator

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

const (
	deviceName    = "Telescope Simulator"
	driverVersion = "1.0"

	defaultTick      = 100 * time.Millisecond
	defaultSlewTicks = 20
	defaultParkTicks = 20
)

// Options tune the behaviour of the simulated mount.
type Options struct {
	DeviceName  string
	CoordVector string      // EQUATORIAL_EOD_COORD or EQUATORIAL_COORD
	ParkFrame   mount.Frame // selects PARK_RA/PARK_DEC or PARK_AZ/PARK_ALT

	Tick      time.Duration // motion update period
	SlewTicks int           // updates until a slew completes
	ParkTicks int           // updates until a park completes

	ConnectionMode     bool // expose CONNECTION_MODE and DEVICE_ADDRESS
	NumericAddress     bool // DEVICE_ADDRESS is a number vector
	ConfigSelfReset    bool // CONFIG_LOAD switches itself back Off
	WithoutCoordinates bool // never define the coordinate vector

	Site mount.Site
}

func DefaultOptions() Options {
	return Options{
		DeviceName:      deviceName,
		CoordVector:     "EQUATORIAL_EOD_COORD",
		ParkFrame:       mount.FrameEquatorial,
		Tick:            defaultTick,
		SlewTicks:       defaultSlewTicks,
		ParkTicks:       defaultParkTicks,
		ConfigSelfReset: true,
		Site:            mount.Site{Latitude: 38.72, Longitude: 350.86, Elevation: 100},
	}
}

type eventKind int

const (
	eventAdded eventKind = iota
	eventUpdated
	eventRemoved
)

type event struct {
	kind   eventKind
	vector indi.Vector
	only   int // deliver to this handler id only, -1 for all
}

// Device simulates an INDI telescope driver. Writes are applied
// asynchronously: their effect is pushed to attached handlers from a
// dispatcher goroutine, never from the writer's goroutine.
type Device struct {
	opts   Options
	logger log.FieldLogger

	mu           sync.Mutex
	vectors      map[string]indi.Vector
	order        []string
	connected    bool
	position     mount.Coordinates
	parkPosition mount.ParkPosition
	motionID     int // bumped to invalidate running motion timers
	slewing      bool
	parking      bool
	writes       []indi.Write

	hMu      sync.Mutex
	handlers map[int]indi.Handler
	nextID   int

	queue  chan event
	closed chan struct{}
	once   sync.Once
}

func NewDevice(opts Options, logger log.FieldLogger) *Device {
	def := DefaultOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.CoordVector == "" {
		opts.CoordVector = def.CoordVector
	}
	if opts.ParkFrame == "" {
		opts.ParkFrame = def.ParkFrame
	}
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.SlewTicks <= 0 {
		opts.SlewTicks = def.SlewTicks
	}
	if opts.ParkTicks <= 0 {
		opts.ParkTicks = def.ParkTicks
	}

	d := &Device{
		opts:     opts,
		logger:   logger.WithField("device", opts.DeviceName),
		vectors:  make(map[string]indi.Vector),
		handlers: make(map[int]indi.Handler),
		queue:    make(chan event, 4096),
		closed:   make(chan struct{}),
	}
	if opts.ParkFrame == mount.FrameHorizontal {
		d.parkPosition = mount.ParkPosition{Frame: mount.FrameHorizontal, Axis1: 0, Axis2: 90}
	} else {
		d.parkPosition = mount.ParkPosition{Frame: mount.FrameEquatorial, Axis1: 0, Axis2: 90}
	}

	for _, v := range d.baseVectors() {
		v.Timestamp = time.Now().UTC()
		d.define(v)
	}

	go d.dispatch()
	return d
}

func (d *Device) Name() string {
	return d.opts.DeviceName
}

// Close stops the dispatcher and any motion in progress.
func (d *Device) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.motionID++
		d.mu.Unlock()
		close(d.closed)
	})
}

// Attach registers h and replays every defined vector to it.
func (d *Device) Attach(h indi.Handler) (detach func()) {
	d.hMu.Lock()
	id := d.nextID
	d.nextID++
	d.handlers[id] = h
	d.hMu.Unlock()

	d.mu.Lock()
	for _, name := range d.order {
		d.enqueue(event{kind: eventAdded, vector: d.vectors[name].Clone(), only: id})
	}
	d.mu.Unlock()

	return func() {
		d.hMu.Lock()
		delete(d.handlers, id)
		d.hMu.Unlock()
	}
}

// Writes returns the log of writes received, oldest first.
func (d *Device) Writes() []indi.Write {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]indi.Write, len(d.writes))
	copy(out, d.writes)
	return out
}

// Vector returns the device-side value of a vector.
func (d *Device) Vector(name string) (indi.Vector, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vectors[name]
	return v.Clone(), ok
}

func (d *Device) dispatch() {
	for {
		select {
		case <-d.closed:
			return
		case ev := <-d.queue:
			d.hMu.Lock()
			var targets []indi.Handler
			for id, h := range d.handlers {
				if ev.only < 0 || ev.only == id {
					targets = append(targets, h)
				}
			}
			d.hMu.Unlock()

			for _, h := range targets {
				switch ev.kind {
				case eventAdded:
					h.VectorAdded(ev.vector.Clone())
				case eventUpdated:
					h.VectorUpdated(ev.vector.Clone())
				case eventRemoved:
					h.VectorRemoved(ev.vector.Device, ev.vector.Name)
				}
			}
		}
	}
}

// enqueue must be called with d.mu held so events keep write order.
func (d *Device) enqueue(ev event) {
	select {
	case d.queue <- ev:
	case <-d.closed:
	}
}

func (d *Device) define(v indi.Vector) {
	if _, ok := d.vectors[v.Name]; !ok {
		d.order = append(d.order, v.Name)
	}
	d.vectors[v.Name] = v
	d.enqueue(event{kind: eventAdded, vector: v.Clone(), only: -1})
}

func (d *Device) remove(name string) {
	v, ok := d.vectors[name]
	if !ok {
		return
	}
	delete(d.vectors, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.enqueue(event{kind: eventRemoved, vector: v, only: -1})
}

// update stores v and pushes it to every handler.
func (d *Device) update(v indi.Vector) {
	v.Timestamp = time.Now().UTC()
	d.vectors[v.Name] = v
	d.enqueue(event{kind: eventUpdated, vector: v.Clone(), only: -1})
}

func (d *Device) setState(name string, state indi.State) {
	if v, ok := d.vectors[name]; ok {
		v.State = state
		d.update(v)
	}
}

// Write applies a client write. Only the acceptance of the write is
// reported synchronously; its outcome is pushed to the handlers.
func (d *Device) Write(w indi.Write) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.closed:
		return fmt.Errorf("device %s is closed", d.opts.DeviceName)
	default:
	}

	d.writes = append(d.writes, indi.Write{
		Device:   w.Device,
		Name:     w.Name,
		Kind:     w.Kind,
		Elements: append([]indi.Element(nil), w.Elements...),
	})

	v, ok := d.vectors[w.Name]
	if !ok {
		return fmt.Errorf("%s: %w", w.Name, indi.ErrVectorNotFound)
	}
	if err := w.Validate(v); err != nil {
		return err
	}
	d.logger.Debugf("Write %s %+v", w.Name, w.Elements)

	next := apply(v, w.Elements)
	if next.Kind == indi.KindSwitch && next.Rule == indi.RuleOneOfMany && len(next.OnSwitches()) != 1 {
		v.State = indi.StateAlert
		d.update(v)
		return nil
	}

	switch w.Name {
	case vecConnection:
		d.handleConnection(next)
	case d.opts.CoordVector:
		d.handleCoordinates(next)
	case vecAbort:
		d.handleAbort(next)
	case vecPark:
		d.handlePark(next)
	case vecParkOption:
		d.handleParkOption(next)
	case vecParkPosition:
		d.parkPosition.Axis1 = next.Elements[0].Number
		d.parkPosition.Axis2 = next.Elements[1].Number
		next.State = indi.StateOk
		d.update(next)
	case vecConfigProcess:
		d.handleConfig(next)
	case vecMotionNS, vecMotionWE:
		if len(next.OnSwitches()) > 0 {
			next.State = indi.StateBusy
		} else {
			next.State = indi.StateIdle
		}
		d.update(next)
	default:
		next.State = indi.StateOk
		d.update(next)
	}
	return nil
}

// apply returns a copy of v with the written element values.
func apply(v indi.Vector, elements []indi.Element) indi.Vector {
	next := v.Clone()
	for _, e := range elements {
		for i := range next.Elements {
			if next.Elements[i].Name != e.Name {
				continue
			}
			switch next.Kind {
			case indi.KindSwitch:
				next.Elements[i].Switch = e.Switch
			case indi.KindNumber:
				next.Elements[i].Number = e.Number
			case indi.KindText:
				next.Elements[i].Text = e.Text
			}
		}
	}
	return next
}

func (d *Device) handleConnection(next indi.Vector) {
	connect, _ := next.Switch("CONNECT")
	next.State = indi.StateOk
	d.update(next)

	switch {
	case connect && !d.connected:
		d.connected = true
		for _, v := range d.mountVectors() {
			d.define(v)
		}
		d.logger.Infof("%s connected", d.opts.DeviceName)
	case !connect && d.connected:
		d.connected = false
		d.motionID++
		d.slewing, d.parking = false, false
		for _, v := range d.mountVectors() {
			d.remove(v.Name)
		}
		d.logger.Infof("%s disconnected", d.opts.DeviceName)
	}
}

func (d *Device) coordMode() string {
	mode := d.vectors[vecCoordSet].OnSwitches()
	if len(mode) == 0 {
		return "SLEW"
	}
	return mode[0]
}

func (d *Device) handleCoordinates(next indi.Vector) {
	ra, _ := next.Number("RA")
	dec, _ := next.Number("DEC")
	target := mount.Coordinates{RA: ra, Dec: dec}

	if d.coordMode() == "SYNC" {
		d.position = target
		next.State = indi.StateOk
		d.update(next)
		return
	}

	if d.isParked() {
		cur := d.vectors[d.opts.CoordVector]
		cur.State = indi.StateAlert
		d.update(cur)
		d.logger.Warn("Slew rejected: mount is parked")
		return
	}

	d.motionID++
	id := d.motionID
	d.slewing = true

	from := d.position
	cur := d.vectors[d.opts.CoordVector]
	cur.State = indi.StateBusy
	d.update(cur)

	d.logger.Infof("Slewing to %s", target)
	d.schedule(id, 1, d.opts.SlewTicks, func(step, total int) {
		frac := float64(step) / float64(total)
		d.position = mount.Coordinates{
			RA:  from.RA + (target.RA-from.RA)*frac,
			Dec: from.Dec + (target.Dec-from.Dec)*frac,
		}
		v := d.vectors[d.opts.CoordVector]
		v.Elements = []indi.Element{{Name: "RA", Number: d.position.RA}, {Name: "DEC", Number: d.position.Dec}}
		if step == total {
			d.position = target
			v.Elements = []indi.Element{{Name: "RA", Number: target.RA}, {Name: "DEC", Number: target.Dec}}
			v.State = indi.StateOk
			d.slewing = false
		} else {
			v.State = indi.StateBusy
		}
		d.update(v)
	})
}

// schedule runs fn for steps [step, total], one per tick, until the motion
// is superseded.
func (d *Device) schedule(id, step, total int, fn func(step, total int)) {
	time.AfterFunc(d.opts.Tick, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.motionID != id {
			return
		}
		fn(step, total)
		if step < total {
			d.schedule(id, step+1, total, fn)
		}
	})
}

func (d *Device) handleAbort(next indi.Vector) {
	if d.slewing || d.parking {
		d.motionID++
		if d.slewing {
			d.slewing = false
			d.setState(d.opts.CoordVector, indi.StateAlert)
		}
		if d.parking {
			d.parking = false
			d.setState(vecPark, indi.StateAlert)
		}
		d.logger.Info("Motion aborted")
	}

	for i := range next.Elements {
		next.Elements[i].Switch = false
	}
	next.State = indi.StateOk
	d.update(next)
}

func (d *Device) isParked() bool {
	on, _ := d.vectors[vecPark].Switch("PARK")
	return on && !d.parking
}

func (d *Device) handlePark(next indi.Vector) {
	park, _ := next.Switch("PARK")
	if !park {
		d.parking = false
		next.State = indi.StateOk
		d.update(next)
		return
	}
	if d.isParked() {
		next.State = indi.StateOk
		d.update(next)
		return
	}

	d.motionID++
	id := d.motionID
	d.slewing = false
	d.parking = true
	next.State = indi.StateBusy
	d.update(next)

	d.schedule(id, 1, d.opts.ParkTicks, func(step, total int) {
		if step < total {
			return
		}
		d.parking = false
		if d.parkPosition.Frame == mount.FrameEquatorial {
			d.position = mount.Coordinates{RA: d.parkPosition.Axis1, Dec: d.parkPosition.Axis2}
			if v, ok := d.vectors[d.opts.CoordVector]; ok {
				v.Elements = []indi.Element{{Name: "RA", Number: d.position.RA}, {Name: "DEC", Number: d.position.Dec}}
				v.State = indi.StateOk
				d.update(v)
			}
		}
		d.setState(vecPark, indi.StateOk)
		d.logger.Info("Mount parked")
	})
}

func (d *Device) handleParkOption(next indi.Vector) {
	on := next.OnSwitches()
	if len(on) == 1 {
		switch on[0] {
		case "PARK_CURRENT":
			if d.parkPosition.Frame == mount.FrameEquatorial {
				d.parkPosition.Axis1, d.parkPosition.Axis2 = d.position.RA, d.position.Dec
			}
		case "PARK_DEFAULT":
			d.parkPosition.Axis1, d.parkPosition.Axis2 = 0, 90
		}
		if v, ok := d.vectors[vecParkPosition]; ok {
			v.Elements[0].Number = d.parkPosition.Axis1
			v.Elements[1].Number = d.parkPosition.Axis2
			v.State = indi.StateOk
			d.update(v)
		}
	}

	for i := range next.Elements {
		next.Elements[i].Switch = false
	}
	next.State = indi.StateOk
	d.update(next)
}

func (d *Device) handleConfig(next indi.Vector) {
	load, _ := next.Switch("CONFIG_LOAD")
	if !load {
		next.State = indi.StateOk
		d.update(next)
		return
	}

	next.State = indi.StateBusy
	d.update(next)
	if !d.opts.ConfigSelfReset {
		return
	}

	time.AfterFunc(d.opts.Tick, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.isOpen() {
			return
		}
		v := d.vectors[vecConfigProcess]
		for i := range v.Elements {
			v.Elements[i].Switch = false
		}
		v.State = indi.StateOk
		d.update(v)
		d.logger.Info("Configuration loaded")
	})
}

func (d *Device) isOpen() bool {
	select {
	case <-d.closed:
		return false
	default:
		return true
	}
}

// SetPosition moves the simulated mount instantly. Used to seed scenarios.
func (d *Device) SetPosition(c mount.Coordinates) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.position = c
	if v, ok := d.vectors[d.opts.CoordVector]; ok {
		v.Elements = []indi.Element{{Name: "RA", Number: c.RA}, {Name: "DEC", Number: c.Dec}}
		d.update(v)
	}
}

// State reports a summary of the simulated mount, for logs and tests.
func (d *Device) State() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]string{
		"connected": strconv.FormatBool(d.connected),
		"slewing":   strconv.FormatBool(d.slewing),
		"parking":   strconv.FormatBool(d.parking),
		"position":  d.position.String(),
	}
}
