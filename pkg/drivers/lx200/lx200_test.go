package lx200

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// fakeMount answers LX200 commands from a reply table.
type fakeMount struct {
	ln net.Listener

	mu       sync.Mutex
	replies  map[string]string
	commands []string
}

func newFakeMount(t *testing.T, replies map[string]string) *fakeMount {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	m := &fakeMount{ln: ln, replies: replies}
	t.Cleanup(func() { ln.Close() })
	go m.serve()
	return m
}

func (m *fakeMount) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *fakeMount) handle(conn net.Conn) {
	defer conn.Close()
	cmd, err := bufio.NewReader(conn).ReadString('#')
	if err != nil {
		return
	}
	cmd = cmd[1 : len(cmd)-1]

	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	reply, ok := m.replies[cmd]
	if !ok && len(cmd) > 2 {
		reply, ok = m.replies[cmd[:2]]
	}
	m.mu.Unlock()

	if ok {
		conn.Write([]byte(reply))
	}
}

func (m *fakeMount) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *fakeMount) sawCommand(cmd string) func() bool {
	return func() bool {
		for _, c := range m.Commands() {
			if c == cmd {
				return true
			}
		}
		return false
	}
}

var standardReplies = map[string]string{
	"GVN": "43Eg#",
	"Sr":  "1",
	"Sd":  "1",
	"MS":  "0",
	"CM":  "M31 EX GAL MAG 3.5 SZ178.0'#",
	"GR":  "00:42:44#",
	"GD":  "+41\xdf16:09#",
	"Gt":  "+38\xdf43#",
	"Gg":  "009*08#",
	"GL":  "21:15:30#",
	"GG":  "-01.0#",
	"GC":  "10/19/26#",
	"St":  "1",
	"Sg":  "1",
	"SL":  "1",
	"SG":  "1",
	"SC":  "1Updating Planetary Data#",
	"GA":  "+45\xdf30#",
}

func newTestDriver(t *testing.T, replies map[string]string) (*Driver, *fakeMount) {
	t.Helper()
	m := newFakeMount(t, replies)
	d := NewDriver(Config{Address: m.ln.Addr().String(), Timeout: time.Second}, log.New())
	return d, m
}

func connected(t *testing.T, replies map[string]string) (*Driver, *fakeMount) {
	t.Helper()
	d, m := newTestDriver(t, replies)
	require.NoError(t, d.Connect(context.Background()))
	return d, m
}

func TestConnect(t *testing.T) {
	d, m := newTestDriver(t, standardReplies)
	ctx := context.Background()

	_, err := d.Coordinates(ctx)
	assert.ErrorIs(t, err, mount.ErrNotConnected)

	require.NoError(t, d.Connect(ctx))
	assert.True(t, d.Info().Connected)
	assert.Equal(t, []string{"GVN"}, m.Commands())
	assert.ErrorIs(t, d.Connect(ctx), mount.ErrAlreadyConnected)

	require.NoError(t, d.Disconnect())
	assert.ErrorIs(t, d.Disconnect(), mount.ErrNotConnected)
}

func TestConnectUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	d := NewDriver(Config{Address: addr, Timeout: 200 * time.Millisecond}, log.New())
	assert.ErrorIs(t, d.Connect(context.Background()), mount.ErrConnection)
	assert.False(t, d.Connected())
}

func TestSlewTo(t *testing.T) {
	d, m := connected(t, standardReplies)

	target := mount.Coordinates{RA: 10.684, Dec: 41.269}
	got, err := d.SlewTo(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, target, got)
	assert.Equal(t, []string{"GVN", "Sr10:41:02", "Sd+41*16:08", "MS"}, m.Commands())
}

func TestSlewToRefused(t *testing.T) {
	replies := map[string]string{}
	for k, v := range standardReplies {
		replies[k] = v
	}
	replies["MS"] = "1Object Below Horizon#"
	d, _ := connected(t, replies)

	_, err := d.SlewTo(context.Background(), mount.Coordinates{RA: 1, Dec: -80})
	assert.ErrorIs(t, err, mount.ErrMotionAborted)
	assert.Contains(t, err.Error(), "Object Below Horizon")
}

func TestSlewToInvalidTarget(t *testing.T) {
	d, m := connected(t, standardReplies)

	_, err := d.SlewTo(context.Background(), mount.Coordinates{RA: 25, Dec: 0})
	assert.ErrorIs(t, err, mount.ErrInvalidCoordinates)
	assert.Equal(t, []string{"GVN"}, m.Commands())
}

func TestSyncTo(t *testing.T) {
	d, m := connected(t, standardReplies)

	_, err := d.SyncTo(context.Background(), mount.Coordinates{RA: 5.5, Dec: -5.25})
	require.NoError(t, err)
	assert.Equal(t, []string{"GVN", "Sr05:30:00", "Sd-05*15:00", "CM"}, m.Commands())
}

func TestCoordinates(t *testing.T) {
	d, _ := connected(t, standardReplies)

	c, err := d.Coordinates(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0+42.0/60+44.0/3600, c.RA, 1e-9)
	assert.InDelta(t, 41+16.0/60+9.0/3600, c.Dec, 1e-9)
}

func TestMove(t *testing.T) {
	d, m := connected(t, standardReplies)
	ctx := context.Background()

	for dir, cmd := range movement {
		require.NoError(t, d.Move(ctx, dir))
		assert.Eventually(t, m.sawCommand(cmd), time.Second, 10*time.Millisecond)
	}
	assert.ErrorIs(t, d.Move(ctx, mount.Direction("up")), mount.ErrInvalidDirection)

	require.NoError(t, d.AbortMotion(ctx))
	require.NoError(t, d.Park(ctx))
	assert.Eventually(t, m.sawCommand("hP"), time.Second, 10*time.Millisecond)
}

func TestAlignAndInformation(t *testing.T) {
	d, m := connected(t, standardReplies)
	ctx := context.Background()

	require.NoError(t, d.Align(ctx, "Polar"))
	assert.Eventually(t, m.sawCommand("AP"), time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, d.Align(ctx, "sideways"), mount.ErrInvalidOption)

	alt, err := d.Information(ctx, "altitude")
	require.NoError(t, err)
	assert.Equal(t, "+45ß30", alt)

	_, err = d.Information(ctx, "weather")
	assert.ErrorIs(t, err, mount.ErrInvalidOption)
}

func TestSite(t *testing.T) {
	d, m := connected(t, standardReplies)
	ctx := context.Background()

	site, err := d.SiteCoordinates(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 38+43.0/60, site.Latitude, 1e-9)
	assert.InDelta(t, 360-(9+8.0/60), site.Longitude, 1e-9)

	require.NoError(t, d.SetSiteCoordinates(ctx, mount.Site{Latitude: -33.5, Longitude: 18.25}))
	cmds := m.Commands()
	assert.Equal(t, []string{"St-33*30", "Sg341*45"}, cmds[len(cmds)-2:])
}

func TestTimeAndDate(t *testing.T) {
	d, m := connected(t, standardReplies)
	ctx := context.Background()

	clock, offset, err := d.Time(ctx)
	require.NoError(t, err)
	assert.Equal(t, "21:15:30", clock)
	assert.Equal(t, "-01.0", offset)

	date, err := d.Date(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-19", date)

	require.NoError(t, d.SetTime(ctx, "08:00:00", "2"))
	require.NoError(t, d.SetDate(ctx, "2027-01-05"))
	cmds := m.Commands()
	assert.Equal(t, []string{"SL08:00:00", "SG+02.0", "SC01/05/27"}, cmds[len(cmds)-3:])

	assert.ErrorIs(t, d.SetTime(ctx, "25:00:00", "0"), mount.ErrInvalidTime)
	assert.ErrorIs(t, d.SetDate(ctx, "05/01/2027"), mount.ErrInvalidTime)
}

func TestSlewRate(t *testing.T) {
	d, m := connected(t, standardReplies)
	ctx := context.Background()

	rates, err := d.SlewRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"SLEW_GUIDE", "SLEW_CENTERING", "SLEW_FIND", "SLEW_MAX"}, rates.Rates)
	assert.Equal(t, "SLEW_MAX", rates.Current)

	require.NoError(t, d.SetSlewRate(ctx, "SLEW_GUIDE"))
	assert.Eventually(t, m.sawCommand("RG"), time.Second, 10*time.Millisecond)
	rates, err = d.SlewRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SLEW_GUIDE", rates.Current)

	assert.ErrorIs(t, d.SetSlewRate(ctx, "WARP"), mount.ErrInvalidOption)
}

func TestUnsupported(t *testing.T) {
	d, _ := connected(t, standardReplies)
	ctx := context.Background()

	assert.ErrorIs(t, d.Unpark(ctx), mount.ErrNotImplemented)
	assert.ErrorIs(t, d.LoadConfig(ctx), mount.ErrNotImplemented)
	_, err := d.TrackingState(ctx)
	assert.ErrorIs(t, err, mount.ErrNotImplemented)
	_, err = d.ParkPosition(ctx)
	assert.ErrorIs(t, err, mount.ErrNotImplemented)
}
