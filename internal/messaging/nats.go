// Package messaging connects the relay to NATS. Other backend services
// publish notifications on notify.request for delivery to connected users,
// and the relay announces presence transitions on presence.online and
// presence.offline.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the relay.
const (
	SubjectNotifyRequest   = "notify.request"
	SubjectPresenceOnline  = "presence.online"
	SubjectPresenceOffline = "presence.offline"
)

// PresenceEvent is published on every online/offline transition.
type PresenceEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // "online" or "offline"
	Server string `json:"server,omitempty"`
	TS     int64  `json:"ts"` // unix millis
}

// NATSClient wraps the NATS connection and tracks its subscriptions.
type NATSClient struct {
	conn   *nats.Conn
	server string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also stamped on presence events
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns the default connection settings.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "presence-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS and returns a ready client.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		server: config.Name,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for subject. The subscription is kept for
// Close.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeNotifications delivers every notify.request payload to handler.
// A handler error is logged; the message is not redelivered.
func (c *NATSClient) SubscribeNotifications(handler func(data []byte) error) error {
	return c.Subscribe(SubjectNotifyRequest, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			log.Printf("[nats] dropped %s message: %v", msg.Subject, err)
		}
	})
}

// UnsubscribeNotifications stops notification intake.
func (c *NATSClient) UnsubscribeNotifications() error {
	return c.unsubscribe(SubjectNotifyRequest)
}

// PublishPresence announces that userID went online or offline.
func (c *NATSClient) PublishPresence(userID string, online bool) error {
	subject, data, err := encodePresence(userID, online, c.server, time.Now())
	if err != nil {
		return err
	}
	return c.Publish(subject, data)
}

// encodePresence builds the subject and payload for a transition.
func encodePresence(userID string, online bool, server string, now time.Time) (string, []byte, error) {
	ev := PresenceEvent{UserID: userID, Server: server, TS: now.UnixMilli()}
	subject := SubjectPresenceOffline
	ev.Status = "offline"
	if online {
		subject = SubjectPresenceOnline
		ev.Status = "online"
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("nats: encode presence event: %w", err)
	}
	return subject, data, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
