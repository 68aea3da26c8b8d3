// Package lx200 drives mounts that speak the Meade LX200 command set over a
// raw TCP socket.
package lx200

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ikki-wiki/telescope-control-platform/pkg/mount"
)

// Config locates the mount.
type Config struct {
	Address    string        `json:"address" toml:"address"`
	Timeout    time.Duration `json:"timeout" toml:"timeout"`
	ReplyDelay time.Duration `json:"replyDelay" toml:"reply_delay"`
}

var defaultConfig = Config{
	Address:    "10.0.0.1:4030",
	Timeout:    2 * time.Second,
	ReplyDelay: 100 * time.Millisecond,
}

func DefaultConfig() Config {
	return defaultConfig
}

// Client sends one command per connection, as the mount firmware expects.
type Client struct {
	cfg    Config
	logger log.FieldLogger
}

func NewClient(cfg Config, logger log.FieldLogger) *Client {
	if cfg.Address == "" {
		cfg.Address = defaultConfig.Address
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConfig.Timeout
	}
	if cfg.ReplyDelay < 0 {
		cfg.ReplyDelay = 0
	}
	return &Client{cfg: cfg, logger: logger}
}

func (c *Client) dial(ctx context.Context, command string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.cfg.Address, mount.ErrConnection, err)
	}
	conn.SetDeadline(time.Now().Add(c.cfg.Timeout))

	c.logger.Debugf("-> :%s#", command)
	if _, err := conn.Write([]byte(":" + command + "#")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send %s: %w: %v", command, mount.ErrConnection, err)
	}
	return conn, nil
}

// Send writes a command that has no reply.
func (c *Client) Send(ctx context.Context, command string) error {
	conn, err := c.dial(ctx, command)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Query writes a command and reads the reply after the fixed reply delay.
// The trailing '#' is removed.
func (c *Client) Query(ctx context.Context, command string) (string, error) {
	conn, err := c.dial(ctx, command)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(c.cfg.ReplyDelay):
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", fmt.Errorf("read reply to %s: %w: %v", command, mount.ErrConnection, err)
	}

	reply := strings.TrimSpace(strings.TrimSuffix(latin1(buf[:n]), "#"))
	c.logger.Debugf("<- %s", reply)
	return reply, nil
}

// latin1 decodes ISO-8859-1 bytes. The firmware uses 0xDF as degree sign.
func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
