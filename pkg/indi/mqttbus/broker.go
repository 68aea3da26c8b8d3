package mqttbus

import (
	"fmt"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	log "github.com/sirupsen/logrus"
)

// BrokerConfig configures an embedded broker. Without users every client
// is allowed.
type BrokerConfig struct {
	Address string
	Users   map[string]string
}

// StartBroker runs an embedded MQTT broker with an inline client, so that
// in-process devices can publish and subscribe without a network hop.
func StartBroker(cfg BrokerConfig, logger log.FieldLogger) (*mochi.Server, error) {
	server := mochi.New(&mochi.Options{
		InlineClient: true,
	})

	if len(cfg.Users) == 0 {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("failed to add auth hook: %w", err)
		}
	} else {
		rules := auth.AuthRules{}
		for user, password := range cfg.Users {
			rules = append(rules, auth.AuthRule{
				Username: auth.RString(user),
				Password: auth.RString(password),
				Allow:    true,
			})
		}
		if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: &auth.Ledger{Auth: rules}}); err != nil {
			return nil, fmt.Errorf("failed to add auth hook: %w", err)
		}
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Address})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("failed to start broker: %w", err)
	}
	logger.Infof("MQTT broker listening on %s", cfg.Address)
	return server, nil
}
