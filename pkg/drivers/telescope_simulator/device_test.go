package telescope_simulator

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Tick = tick
	opts.SlewTicks = 4
	opts.ParkTicks = 4
	return opts
}

func newTestDevice(t *testing.T, opts Options) (*Device, *indi.Cache) {
	t.Helper()

	d := NewDevice(opts, log.New())
	t.Cleanup(d.Close)

	cache := indi.NewCache(d.Name())
	d.Attach(&indi.CacheHandler{Cache: cache})
	require.Eventually(t, func() bool { return cache.Has(vecConnection) }, waitFor, tick)
	return d, cache
}

func exclusive(t *testing.T, d *Device, name, on string) {
	t.Helper()
	v, ok := d.Vector(name)
	require.True(t, ok, name)
	elements, err := indi.Exclusive(v, on)
	require.NoError(t, err)
	require.NoError(t, d.Write(indi.Write{Device: d.Name(), Name: name, Kind: indi.KindSwitch, Elements: elements}))
}

func connect(t *testing.T, d *Device, cache *indi.Cache) {
	t.Helper()
	exclusive(t, d, vecConnection, "CONNECT")
	require.Eventually(t, func() bool { return cache.Has(d.opts.CoordVector) }, waitFor, tick)
}

func stateOf(cache *indi.Cache, name string) indi.State {
	v, err := cache.Get(name)
	if err != nil {
		return -1
	}
	return v.State
}

func TestAttachReplaysDefinedVectors(t *testing.T) {
	opts := testOptions()
	opts.ConnectionMode = true
	_, cache := newTestDevice(t, opts)

	assert.Eventually(t, func() bool { return cache.Len() == 5 }, waitFor, tick)
	assert.True(t, cache.Has(vecConnectionMode))
	assert.True(t, cache.Has(vecDeviceAddress))
	assert.False(t, cache.Has(vecPark))
}

func TestConnectDefinesMountVectors(t *testing.T) {
	d, cache := newTestDevice(t, testOptions())
	connect(t, d, cache)

	for _, name := range []string{vecCoordSet, vecAbort, vecPark, vecParkPosition, vecGeographic, vecTimeUTC, vecMotionNS} {
		assert.True(t, cache.Has(name), name)
	}

	exclusive(t, d, vecConnection, "DISCONNECT")
	assert.Eventually(t, func() bool { return !cache.Has(d.opts.CoordVector) }, waitFor, tick)
	assert.True(t, cache.Has(vecConnection))
}

func TestSlewCompletes(t *testing.T) {
	d, cache := newTestDevice(t, testOptions())
	connect(t, d, cache)
	exclusive(t, d, vecCoordSet, "SLEW")

	err := d.Write(indi.Write{
		Device:   d.Name(),
		Name:     d.opts.CoordVector,
		Kind:     indi.KindNumber,
		Elements: []indi.Element{{Name: "RA", Number: 10.5}, {Name: "DEC", Number: 41.2}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return stateOf(cache, d.opts.CoordVector) == indi.StateOk && d.State()["slewing"] == "false"
	}, waitFor, tick)
	v, err := cache.Get(d.opts.CoordVector)
	require.NoError(t, err)
	ra, _ := v.Number("RA")
	dec, _ := v.Number("DEC")
	assert.InDelta(t, 10.5, ra, 1e-9)
	assert.InDelta(t, 41.2, dec, 1e-9)
}

func TestAbortDuringSlew(t *testing.T) {
	opts := testOptions()
	opts.SlewTicks = 1000
	d, cache := newTestDevice(t, opts)
	connect(t, d, cache)

	require.NoError(t, d.Write(indi.Write{
		Device:   d.Name(),
		Name:     d.opts.CoordVector,
		Kind:     indi.KindNumber,
		Elements: []indi.Element{{Name: "RA", Number: 5}, {Name: "DEC", Number: 5}},
	}))
	require.Eventually(t, func() bool { return stateOf(cache, d.opts.CoordVector) == indi.StateBusy }, waitFor, tick)

	require.NoError(t, d.Write(indi.Write{
		Device:   d.Name(),
		Name:     vecAbort,
		Kind:     indi.KindSwitch,
		Elements: []indi.Element{{Name: "ABORT", Switch: true}},
	}))
	assert.Eventually(t, func() bool { return stateOf(cache, d.opts.CoordVector) == indi.StateAlert }, waitFor, tick)
	assert.Eventually(t, func() bool { return stateOf(cache, vecAbort) == indi.StateOk }, waitFor, tick)
	assert.Equal(t, "false", d.State()["slewing"])
}

func TestSyncIsImmediate(t *testing.T) {
	d, cache := newTestDevice(t, testOptions())
	connect(t, d, cache)
	exclusive(t, d, vecCoordSet, "SYNC")

	require.NoError(t, d.Write(indi.Write{
		Device:   d.Name(),
		Name:     d.opts.CoordVector,
		Kind:     indi.KindNumber,
		Elements: []indi.Element{{Name: "RA", Number: 3}, {Name: "DEC", Number: -20}},
	}))
	assert.Equal(t, mount.Coordinates{RA: 3, Dec: -20}.String(), d.State()["position"])
}

func TestParkThenSlewIsRejected(t *testing.T) {
	d, cache := newTestDevice(t, testOptions())
	connect(t, d, cache)

	exclusive(t, d, vecPark, "PARK")
	require.Eventually(t, func() bool { return stateOf(cache, vecPark) == indi.StateOk && d.State()["parking"] == "false" }, waitFor, tick)

	require.NoError(t, d.Write(indi.Write{
		Device:   d.Name(),
		Name:     d.opts.CoordVector,
		Kind:     indi.KindNumber,
		Elements: []indi.Element{{Name: "RA", Number: 1}, {Name: "DEC", Number: 1}},
	}))
	assert.Eventually(t, func() bool { return stateOf(cache, d.opts.CoordVector) == indi.StateAlert }, waitFor, tick)

	exclusive(t, d, vecPark, "UNPARK")
	assert.Eventually(t, func() bool {
		v, err := cache.Get(vecPark)
		on, _ := v.Switch("UNPARK")
		return err == nil && on && v.State == indi.StateOk
	}, waitFor, tick)
}

func TestConfigLoadSelfReset(t *testing.T) {
	tests := []struct {
		name      string
		selfReset bool
		expected  indi.State
	}{
		{name: "resets", selfReset: true, expected: indi.StateOk},
		{name: "stuck", selfReset: false, expected: indi.StateBusy},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.ConfigSelfReset = tc.selfReset
			d, cache := newTestDevice(t, opts)

			require.NoError(t, d.Write(indi.Write{
				Device:   d.Name(),
				Name:     vecConfigProcess,
				Kind:     indi.KindSwitch,
				Elements: []indi.Element{{Name: "CONFIG_LOAD", Switch: true}},
			}))
			assert.Eventually(t, func() bool { return stateOf(cache, vecConfigProcess) == tc.expected }, waitFor, tick)
			if tc.selfReset {
				v, _ := cache.Get(vecConfigProcess)
				assert.Empty(t, v.OnSwitches())
			}
		})
	}
}

func TestOneOfManyWithoutSelectionAlerts(t *testing.T) {
	d, cache := newTestDevice(t, testOptions())
	connect(t, d, cache)

	require.NoError(t, d.Write(indi.Write{
		Device:   d.Name(),
		Name:     vecTrackState,
		Kind:     indi.KindSwitch,
		Elements: []indi.Element{{Name: "TRACK_OFF", Switch: false}},
	}))
	assert.Eventually(t, func() bool { return stateOf(cache, vecTrackState) == indi.StateAlert }, waitFor, tick)
}

func TestWriteRejectsUnknownVector(t *testing.T) {
	d, _ := newTestDevice(t, testOptions())

	err := d.Write(indi.Write{Device: d.Name(), Name: "NOPE", Kind: indi.KindSwitch})
	assert.ErrorIs(t, err, indi.ErrVectorNotFound)
	assert.Len(t, d.Writes(), 1)
}

type lostRecorder struct {
	indi.CacheHandler
	lost chan error
}

func (r *lostRecorder) ConnectionLost(err error) {
	r.lost <- err
}

func TestLoopback(t *testing.T) {
	d := NewDevice(testOptions(), log.New())
	t.Cleanup(d.Close)
	l := NewLoopback(d)
	ctx := context.Background()

	l.Refuse(true)
	assert.ErrorIs(t, l.Connect(ctx, "localhost", 7624), ErrRefused)
	assert.ErrorIs(t, l.WriteVector(ctx, indi.Write{Device: d.Name(), Name: vecConnection}), ErrTransportClosed)

	l.Refuse(false)
	require.NoError(t, l.Connect(ctx, "localhost", 7624))

	cache := indi.NewCache(d.Name())
	rec := &lostRecorder{CacheHandler: indi.CacheHandler{Cache: cache}, lost: make(chan error, 1)}
	require.NoError(t, l.Subscribe(d.Name(), rec))
	assert.Eventually(t, func() bool { return cache.Has(vecConnection) }, waitFor, tick)

	// unknown devices subscribe fine and stay silent
	require.NoError(t, l.Subscribe("Nobody", &indi.CacheHandler{Cache: indi.NewCache("Nobody")}))

	boom := errors.New("link down")
	l.Drop(boom)
	select {
	case err := <-rec.lost:
		assert.Equal(t, boom, err)
	case <-time.After(waitFor):
		t.Fatal("connection loss not reported")
	}
	assert.ErrorIs(t, l.WriteVector(ctx, indi.Write{Device: d.Name(), Name: vecConnection}), ErrTransportClosed)
}
