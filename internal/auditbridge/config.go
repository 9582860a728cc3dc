package auditbridge

import "time"

// Config holds the audit bridge's NATS connection and stream settings.
// Adapted from the teacher's nats.Config, narrowed from four WhatsApp
// streams to the one AUDIT_EVENTS mirror this engine publishes to.
type Config struct {
	URL            string
	Token          string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int

	PublishTimeout time.Duration
	DrainTimeout   time.Duration

	Stream string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		ConnectTimeout: 10 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		PublishTimeout: 5 * time.Second,
		DrainTimeout:   30 * time.Second,
		Stream:         "AUDIT_EVENTS",
	}
}

func (c Config) Validate() error {
	if c.URL == "" {
		return ErrInvalidConfig
	}
	if c.Stream == "" {
		return ErrInvalidConfig
	}
	return nil
}
