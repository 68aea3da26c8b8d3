package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	sim "github.com/ikki-wiki/telescope-control-platform/pkg/drivers/telescope_simulator"
	"github.com/ikki-wiki/telescope-control-platform/pkg/indi/mqttbus"
)

const bridgeSubscriptionID = 1

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Telescope Simulator")

	opts := sim.DefaultOptions()
	opts.DeviceName = c.String("device")
	opts.ConnectionMode = c.Bool("connection-mode")
	opts.Tick = c.Duration("tick")
	switch c.String("coordinates") {
	case "eod":
		opts.CoordVector = "EQUATORIAL_EOD_COORD"
	case "j2000":
		opts.CoordVector = "EQUATORIAL_COORD"
	default:
		return fmt.Errorf("unknown coordinate vector %q", c.String("coordinates"))
	}

	users := map[string]string{}
	if user := c.String("username"); user != "" {
		users[user] = c.String("password")
	}

	server, err := mqttbus.StartBroker(mqttbus.BrokerConfig{
		Address: c.String("address"),
		Users:   users,
	}, log.WithField("component", "broker"))
	if err != nil {
		return fmt.Errorf("failed to start broker: %v", err)
	}
	defer server.Close()

	device := sim.NewDevice(opts, log.WithField("device", opts.DeviceName))
	defer device.Close()

	bridge := sim.NewBridge(server, device, c.String("topic-root"), bridgeSubscriptionID, log.WithField("component", "bridge"))
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("failed to attach simulator: %v", err)
	}
	defer bridge.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Serving %q on %s under topic root %q", opts.DeviceName, c.String("address"), c.String("topic-root"))
	<-ctx.Done()

	log.Info("Simulator stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "mount-sim",
		Usage: "Simulated INDI telescope served over an embedded MQTT broker",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Broker listen address",
				Value:   ":1883",
				EnvVars: []string{"MOUNTSIM_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "device",
				Usage:   "Device name",
				Value:   sim.DefaultOptions().DeviceName,
				EnvVars: []string{"MOUNTSIM_DEVICE"},
			},
			&cli.StringFlag{
				Name:    "topic-root",
				Usage:   "MQTT topic root",
				Value:   mqttbus.DefaultRoot,
				EnvVars: []string{"MOUNTSIM_TOPIC_ROOT"},
			},
			&cli.StringFlag{
				Name:    "coordinates",
				Usage:   "Coordinate vector: eod or j2000",
				Value:   "eod",
				EnvVars: []string{"MOUNTSIM_COORDINATES"},
			},
			&cli.BoolFlag{
				Name:    "connection-mode",
				Usage:   "Expose CONNECTION_MODE and DEVICE_ADDRESS",
				EnvVars: []string{"MOUNTSIM_CONNECTION_MODE"},
			},
			&cli.DurationFlag{
				Name:    "tick",
				Usage:   "Motion update period",
				Value:   100 * time.Millisecond,
				EnvVars: []string{"MOUNTSIM_TICK"},
			},
			&cli.StringFlag{
				Name:    "username",
				Usage:   "Require this MQTT user",
				EnvVars: []string{"MOUNTSIM_USERNAME"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Password of the MQTT user",
				EnvVars: []string{"MOUNTSIM_PASSWORD"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
