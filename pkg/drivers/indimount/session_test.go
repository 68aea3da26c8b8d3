package indimount

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sim "github.com/ikki-wiki/telescope-control-platform/pkg/drivers/telescope_simulator"
	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

const (
	testInterval = 10 * time.Millisecond
	waitFor      = 2 * time.Second
)

func testProfile() Profile {
	p := DefaultProfile()
	p.Timeouts = Timeouts{
		PollInterval:       testInterval,
		DiscoveryAttempts:  5,
		CapabilityAttempts: 20,
		Settle:             testInterval,
		SlewTimeout:        2 * time.Second,
		ParkTimeout:        2 * time.Second,
		ConfigTimeout:      500 * time.Millisecond,
	}
	return p
}

func simOptions() sim.Options {
	opts := sim.DefaultOptions()
	opts.Tick = testInterval
	opts.SlewTicks = 3
	opts.ParkTicks = 3
	return opts
}

type fixture struct {
	device    *sim.Device
	transport *sim.Loopback
	session   *Session
	seq       *Sequencer
}

func newFixture(t *testing.T, opts sim.Options, profile Profile) *fixture {
	t.Helper()

	device := sim.NewDevice(opts, log.New())
	t.Cleanup(device.Close)

	transport := sim.NewLoopback(device)
	session := NewSession(transport, profile, log.New())
	return &fixture{
		device:    device,
		transport: transport,
		session:   session,
		seq:       NewSequencer(session, log.New()),
	}
}

func connectedFixture(t *testing.T, opts sim.Options, profile Profile) *fixture {
	t.Helper()
	f := newFixture(t, opts, profile)
	require.NoError(t, f.session.Connect(context.Background()))
	t.Cleanup(func() { f.session.Disconnect() })
	return f
}

// hookedTransport wraps a loopback. It remembers the handler of the last
// Subscribe and holds the writes matched by hold until their context ends.
type hookedTransport struct {
	indi.Transport

	mu      sync.Mutex
	handler indi.Handler
	hold    func(w indi.Write) bool
}

func (h *hookedTransport) Subscribe(device string, handler indi.Handler) error {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
	return h.Transport.Subscribe(device, handler)
}

func (h *hookedTransport) WriteVector(ctx context.Context, w indi.Write) error {
	h.mu.Lock()
	hold := h.hold
	h.mu.Unlock()
	if hold != nil && hold(w) {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.Transport.WriteVector(ctx, w)
}

func (h *hookedTransport) Handler() indi.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handler
}

func (h *hookedTransport) Hold(f func(w indi.Write) bool) {
	h.mu.Lock()
	h.hold = f
	h.mu.Unlock()
}

func hookedFixture(t *testing.T, opts sim.Options, profile Profile) (*fixture, *hookedTransport) {
	t.Helper()

	device := sim.NewDevice(opts, log.New())
	t.Cleanup(device.Close)

	loopback := sim.NewLoopback(device)
	hooked := &hookedTransport{Transport: loopback}
	session := NewSession(hooked, profile, log.New())
	f := &fixture{
		device:    device,
		transport: loopback,
		session:   session,
		seq:       NewSequencer(session, log.New()),
	}
	require.NoError(t, session.Connect(context.Background()))
	t.Cleanup(func() { session.Disconnect() })
	return f, hooked
}

// switchedOn reports whether w turns the named switch on.
func switchedOn(w indi.Write, name string) bool {
	for _, e := range w.Elements {
		if e.Name == name {
			return e.Switch
		}
	}
	return false
}

func writesTo(d *sim.Device, name string) []indi.Write {
	var out []indi.Write
	for _, w := range d.Writes() {
		if w.Name == name {
			out = append(out, w)
		}
	}
	return out
}

func writeOrder(d *sim.Device) []string {
	var names []string
	for _, w := range d.Writes() {
		names = append(names, w.Name)
	}
	return names
}

func TestConnectHandshake(t *testing.T) {
	tests := []struct {
		name        string
		coordVector string
	}{
		{name: "eod", coordVector: vecEODCoord},
		{name: "j2000", coordVector: vecJ2000Coord},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := simOptions()
			opts.CoordVector = tc.coordVector
			opts.ConnectionMode = true

			profile := testProfile()
			profile.Network = Network{Address: "192.168.1.50", Port: "9999"}

			f := connectedFixture(t, opts, profile)
			assert.True(t, f.session.Connected())
			assert.Equal(t, tc.coordVector, f.session.CoordVector())
			assert.Equal(t, []string{vecConnectionMode, vecDeviceAddress, vecConnection}, writeOrder(f.device))

			mode, ok := f.device.Vector(vecConnectionMode)
			require.True(t, ok)
			assert.Equal(t, []string{"CONNECTION_TCP"}, mode.OnSwitches())

			addr, ok := f.device.Vector(vecDeviceAddress)
			require.True(t, ok)
			host, _ := addr.Text("ADDRESS")
			port, _ := addr.Text("PORT")
			assert.Equal(t, "192.168.1.50", host)
			assert.Equal(t, "9999", port)
		})
	}
}

func TestConnectWithoutNetworkVectors(t *testing.T) {
	f := connectedFixture(t, simOptions(), testProfile())
	assert.Equal(t, []string{vecConnection}, writeOrder(f.device))
}

func TestConnectDeviceNotFound(t *testing.T) {
	profile := testProfile()
	profile.Device = "No Such Mount"
	f := newFixture(t, simOptions(), profile)

	start := time.Now()
	err := f.session.Connect(context.Background())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, mount.ErrDeviceNotFound)
	assert.False(t, f.session.Connected())
	assert.Less(t, elapsed, profile.Timeouts.discovery().Timeout()+500*time.Millisecond)
	assert.Empty(t, f.device.Writes())
}

func TestConnectCapabilityTimeout(t *testing.T) {
	opts := simOptions()
	opts.WithoutCoordinates = true
	f := newFixture(t, opts, testProfile())

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, mount.ErrCapabilityTimeout)
	assert.False(t, f.session.Connected())
	assert.Zero(t, f.session.Cache().Len())
}

func TestConnectRefused(t *testing.T) {
	f := newFixture(t, simOptions(), testProfile())
	f.transport.Refuse(true)

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, mount.ErrConnection)
	assert.ErrorIs(t, err, sim.ErrRefused)
	assert.False(t, f.session.Connected())
}

func TestConnectCanceled(t *testing.T) {
	profile := testProfile()
	profile.Device = "No Such Mount"
	profile.Timeouts.DiscoveryAttempts = 1000
	f := newFixture(t, simOptions(), profile)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.session.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.session.Connected())
}

func TestConnectTwice(t *testing.T) {
	f := connectedFixture(t, simOptions(), testProfile())
	assert.ErrorIs(t, f.session.Connect(context.Background()), mount.ErrAlreadyConnected)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, simOptions(), testProfile())
	require.NoError(t, f.session.Connect(context.Background()))

	require.NoError(t, f.session.Disconnect())
	assert.False(t, f.session.Connected())
	assert.Zero(t, f.session.Cache().Len())
	assert.ErrorIs(t, f.session.Disconnect(), mount.ErrNotConnected)
	assert.Eventually(t, func() bool { return f.device.State()["connected"] == "false" }, waitFor, testInterval)

	// the session can be reused
	require.NoError(t, f.session.Connect(context.Background()))
	assert.True(t, f.session.Connected())
	require.NoError(t, f.session.Disconnect())
}

func TestSessionVectorAccess(t *testing.T) {
	f := connectedFixture(t, simOptions(), testProfile())

	v, err := f.session.Vector(vecPark)
	require.NoError(t, err)
	assert.Equal(t, indi.KindSwitch, v.Kind)

	e, err := f.session.Element(vecGeographic, "LAT")
	require.NoError(t, err)
	assert.InDelta(t, 38.72, e.Number, 1e-9)

	_, err = f.session.Vector("NOT_THERE")
	assert.ErrorIs(t, err, mount.ErrVectorNotFound)

	err = f.session.WriteVector(context.Background(), vecPark, []indi.Element{{Name: "HALFWAY", Switch: true}})
	assert.ErrorIs(t, err, indi.ErrElementNotFound)
}

func TestSessionWatch(t *testing.T) {
	f := connectedFixture(t, simOptions(), testProfile())

	updates, cancel := f.session.Watch(16)
	defer cancel()

	require.NoError(t, f.seq.SetTrackingState(context.Background(), true))
	select {
	case v := <-updates:
		assert.Equal(t, f.session.Device(), v.Device)
	case <-time.After(waitFor):
		t.Fatal("no update delivered")
	}
}

func TestConnectionLost(t *testing.T) {
	f := connectedFixture(t, simOptions(), testProfile())

	f.transport.Drop(errors.New("broker went away"))
	assert.False(t, f.session.Connected())
	assert.Zero(t, f.session.Cache().Len())

	_, err := f.seq.Coordinates(context.Background())
	assert.ErrorIs(t, err, mount.ErrNotConnected)
	assert.ErrorIs(t, f.seq.Park(context.Background()), mount.ErrNotConnected)
	assert.ErrorIs(t, f.seq.AbortMotion(context.Background()), mount.ErrNotConnected)
}

func TestConnectNumericDeviceAddress(t *testing.T) {
	tests := []struct {
		name    string
		network Network
		address float64
		port    float64
		written bool
	}{
		{name: "both parse", network: Network{Address: "3232235826", Port: "9999"}, address: 3232235826, port: 9999, written: true},
		{name: "port only", network: Network{Address: "192.168.1.50", Port: "9999"}, port: 9999, written: true},
		{name: "nothing parses", network: Network{Address: "mount.local", Port: "http"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := simOptions()
			opts.ConnectionMode = true
			opts.NumericAddress = true

			profile := testProfile()
			profile.Network = tc.network

			f := connectedFixture(t, opts, profile)
			assert.Equal(t, tc.written, len(writesTo(f.device, vecDeviceAddress)) == 1)

			addr, ok := f.device.Vector(vecDeviceAddress)
			require.True(t, ok)
			assert.Equal(t, indi.KindNumber, addr.Kind)
			host, _ := addr.Number("ADDRESS")
			port, _ := addr.Number("PORT")
			assert.Equal(t, tc.address, host)
			assert.Equal(t, tc.port, port)
		})
	}
}

func TestDisconnectEndsWatch(t *testing.T) {
	f := connectedFixture(t, simOptions(), testProfile())

	updates, cancel := f.session.Watch(1)
	require.NoError(t, f.session.Disconnect())

	closed := make(chan struct{})
	go func() {
		for range updates {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("watch channel still open after disconnect")
	}
	assert.NotPanics(t, cancel)
}

func TestDisconnectIgnoresLateDeliveries(t *testing.T) {
	f, hooked := hookedFixture(t, simOptions(), testProfile())

	coords, err := f.session.Vector(f.session.CoordVector())
	require.NoError(t, err)
	handler := hooked.Handler()
	require.NotNil(t, handler)

	require.NoError(t, f.session.Disconnect())

	handler.VectorUpdated(coords)
	handler.VectorAdded(coords)
	assert.Zero(t, f.session.Cache().Len())
	assert.False(t, f.session.Cache().Has(coords.Name))
}

func TestDisconnectBoundedWhenWriteStalls(t *testing.T) {
	profile := testProfile()
	f, hooked := hookedFixture(t, simOptions(), profile)

	hooked.Hold(func(w indi.Write) bool {
		return w.Name == vecConnection && switchedOn(w, "DISCONNECT")
	})

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- f.session.Disconnect() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), profile.Timeouts.ConfigTimeout)
	case <-time.After(profile.Timeouts.ConfigTimeout + waitFor):
		t.Fatal("disconnect blocked on a stalled write")
	}
	assert.False(t, f.session.Connected())
}
