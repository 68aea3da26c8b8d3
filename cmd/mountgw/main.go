package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/ikki-wiki/telescope-control-platform/pkg/catalog"
	"github.com/ikki-wiki/telescope-control-platform/pkg/drivers/indimount"
	"github.com/ikki-wiki/telescope-control-platform/pkg/drivers/lx200"
	sim "github.com/ikki-wiki/telescope-control-platform/pkg/drivers/telescope_simulator"
	"github.com/ikki-wiki/telescope-control-platform/pkg/gateway"
	"github.com/ikki-wiki/telescope-control-platform/pkg/indi"
	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// indiDriver opens the INDI driver. A profile file, when given, replaces the
// stored profile.
func indiDriver(c *cli.Context, db *bolt.DB) (*indimount.Driver, error) {
	factory := indimount.MQTTTransport

	if c.String("transport") == "simulator" {
		opts := sim.DefaultOptions()
		device := sim.NewDevice(opts, log.WithField("device", "simulator"))
		loopback := sim.NewLoopback(device)
		factory = func(indimount.Profile, log.FieldLogger) indi.Transport { return loopback }
	}

	driver, err := indimount.NewDriver(db, factory, log.WithField("component", "mount"))
	if err != nil {
		return nil, err
	}

	if path := c.String("profile"); path != "" {
		p, err := indimount.LoadProfileFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile %s: %w", path, err)
		}
		if err := driver.SetProfile(p); err != nil {
			return nil, err
		}
		log.Infof("Loaded profile from %s", path)
	}

	if c.String("transport") == "simulator" {
		p, err := driver.Profile()
		if err != nil {
			return nil, err
		}
		p.Device = sim.DefaultOptions().DeviceName
		if err := driver.SetProfile(p); err != nil {
			return nil, err
		}
	}
	return driver, nil
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Mount Gateway")

	db, err := bolt.Open(c.String("db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := gateway.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	cat, err := catalog.Load(c.String("catalog"))
	if err != nil {
		return fmt.Errorf("failed to load catalog: %v", err)
	}

	var telescope mount.Telescope
	switch kind := c.String("driver"); kind {
	case "indi":
		driver, err := indiDriver(c, db)
		if err != nil {
			return fmt.Errorf("failed to create INDI driver: %v", err)
		}
		defer driver.Close()
		telescope = driver
	case "lx200":
		cfg := lx200.DefaultConfig()
		if addr := c.String("lx200-address"); addr != "" {
			cfg.Address = addr
		}
		telescope = lx200.NewDriver(cfg, log.WithField("component", "mount"))
	default:
		return fmt.Errorf("unknown driver %q", kind)
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.Bool("connect") {
		if err := telescope.Connect(ctx); err != nil {
			log.Warnf("Initial connect failed: %v", err)
		}
	}

	id, err := store.UniqueID()
	if err != nil {
		return err
	}

	port := c.Int("port")
	server := gateway.NewServer(telescope, cat, store, log.WithField("component", "gateway"))
	dr := gateway.NewDiscoveryResponder(
		net.JoinHostPort(c.String("discovery-address"), strconv.Itoa(gateway.DefaultDiscoveryPort)),
		port, id, log.WithField("component", "discovery"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, fmt.Sprintf(":%d", port))
	})
	g.Go(func() error {
		if err := dr.Run(ctx); err != nil {
			return fmt.Errorf("discovery responder failed: %w", err)
		}
		log.Debug("Discovery responder stopped")
		return nil
	})

	err = g.Wait()

	if telescope.Connected() {
		if err := telescope.Disconnect(); err != nil {
			log.Warnf("Disconnect: %v", err)
		}
	}
	log.Info("Server stopped")
	return err
}

func main() {
	app := cli.App{
		Name:  "mountgw",
		Usage: "HTTP gateway for a telescope mount",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   7123,
				EnvVars: []string{"MOUNTGW_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path of the settings database",
				Value:   "mountgw.db",
				EnvVars: []string{"MOUNTGW_DB"},
			},
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "Mount driver: indi or lx200",
				Value:   "indi",
				EnvVars: []string{"MOUNTGW_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "INDI transport: mqtt or simulator",
				Value:   "mqtt",
				EnvVars: []string{"MOUNTGW_TRANSPORT"},
			},
			&cli.StringFlag{
				Name:    "profile",
				Usage:   "TOML profile file replacing the stored INDI profile",
				EnvVars: []string{"MOUNTGW_PROFILE"},
			},
			&cli.StringFlag{
				Name:    "lx200-address",
				Usage:   "host:port of the LX200 mount",
				EnvVars: []string{"MOUNTGW_LX200_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "catalog",
				Usage:   "YAML object catalog, built-in when empty",
				EnvVars: []string{"MOUNTGW_CATALOG"},
			},
			&cli.StringFlag{
				Name:    "discovery-address",
				Usage:   "Address the discovery responder binds to",
				Value:   "0.0.0.0",
				EnvVars: []string{"MOUNTGW_DISCOVERY_ADDRESS"},
			},
			&cli.BoolFlag{
				Name:    "connect",
				Usage:   "Connect to the mount on startup",
				EnvVars: []string{"MOUNTGW_CONNECT"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
