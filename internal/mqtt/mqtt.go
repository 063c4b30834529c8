// Package mqtt publishes analysis events to an MQTT broker.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/birdnet-census/internal/conf"
)

// Client defines the MQTT operations the publisher needs.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends payload to topic. It fails when not connected.
	Publish(ctx context.Context, topic string, payload []byte) error

	IsConnected() bool

	Disconnect()
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker            string
	ClientID          string
	Username          string
	Password          string
	Topic             string // prefix; events go to <topic>/<device>
	Retain            bool
	ReconnectCooldown time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable default values.
func DefaultConfig() Config {
	return Config{
		ReconnectCooldown: 5 * time.Second,
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
	}
}

// ConfigFromSettings fills the broker fields from settings.
func ConfigFromSettings(s *conf.MQTTSettings) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.ClientID = s.ClientID
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.Topic = s.Topic
	return cfg
}
