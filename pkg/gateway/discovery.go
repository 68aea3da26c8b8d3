package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultDiscoveryPort = 32227
	discoveryQuery       = "mountgwdiscovery1"
)

type discoveryReply struct {
	Port     int    `json:"GatewayPort"`
	UniqueID string `json:"UniqueID"`
}

// DiscoveryResponder answers UDP discovery broadcasts with the gateway's
// HTTP port.
type DiscoveryResponder struct {
	addr   string
	reply  []byte
	logger log.FieldLogger

	mu   sync.Mutex
	sock *net.UDPConn
}

// NewDiscoveryResponder creates a responder listening on addr (host:port).
func NewDiscoveryResponder(addr string, httpPort int, uniqueID string, logger log.FieldLogger) *DiscoveryResponder {
	reply, _ := json.Marshal(discoveryReply{Port: httpPort, UniqueID: uniqueID})

	return &DiscoveryResponder{
		addr:   addr,
		reply:  reply,
		logger: logger,
	}
}

// Listen binds the socket. Run calls it when needed.
func (d *DiscoveryResponder) Listen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sock != nil {
		return nil
	}

	local, err := net.ResolveUDPAddr("udp", d.addr)
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %v", err)
	}
	sock, err := net.ListenUDP("udp", local)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	d.sock = sock
	return nil
}

// Addr is the bound address, nil before Listen.
func (d *DiscoveryResponder) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sock == nil {
		return nil
	}
	return d.sock.LocalAddr()
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	if err := d.Listen(); err != nil {
		return err
	}
	d.mu.Lock()
	sock := d.sock
	d.mu.Unlock()
	defer sock.Close()

	buf := make([]byte, 1024)
	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// periodic deadline to notice cancellation
		sock.SetReadDeadline(time.Now().Add(time.Second))

		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Debugf("Error reading from socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %s from %s", data, addr)

		if strings.Contains(strings.ToLower(data), discoveryQuery) {
			if _, err := sock.WriteToUDP(d.reply, addr); err != nil {
				d.logger.Errorf("Error writing to socket: %v", err)
			}
		}
	}
}
