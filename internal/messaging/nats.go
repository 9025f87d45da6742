// Package messaging mirrors lobby events onto NATS so other processes can
// observe the lobby without holding a WebSocket.
package messaging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is the subject root events are published under.
const DefaultSubjectPrefix = "lobby.events"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // events go to <prefix>.<event type>
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 for infinite
}

// DefaultNATSConfig returns the production connection settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "lobby",
		SubjectPrefix: DefaultSubjectPrefix,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient publishes and subscribes to lobby event subjects.
type NATSClient struct {
	log    *zap.Logger
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient connects with config. It fails if the initial connection
// fails; later outages are retried in the background.
func NewNATSClient(log *zap.Logger, config NATSConfig) (*NATSClient, error) {
	log = log.Named("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSClient{log: log, conn: nc, prefix: prefix}, nil
}

// EventSubject returns the subject an event type is published on.
func EventSubject(prefix, eventType string) string {
	return prefix + "." + eventType
}

// EventType extracts the event type from a subject under prefix.
func EventType(prefix, subject string) (string, bool) {
	t, ok := strings.CutPrefix(subject, prefix+".")
	return t, ok && t != ""
}

// Publish mirrors one encoded event. The NATS client buffers outgoing data,
// so this does not wait on the network.
func (c *NATSClient) Publish(eventType string, data []byte) error {
	return c.conn.Publish(EventSubject(c.prefix, eventType), data)
}

// SubscribeEvents delivers every event published under the prefix.
func (c *NATSClient) SubscribeEvents(handler func(eventType string, data []byte)) error {
	subject := c.prefix + ".>"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		if t, ok := EventType(c.prefix, msg.Subject); ok {
			handler(t, msg.Data)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains subscriptions and the connection, flushing pending publishes.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("subscription drain failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", zap.Error(err))
	}
}
