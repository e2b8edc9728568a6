// Package bus mirrors mission events onto a message bus so other systems can
// follow missions without polling the API. NATS is the transport.
package bus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned when operating on a closed bus.
var ErrClosed = errors.New("bus closed")

// MessageBus is the subset of a pub/sub system the mirror needs.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject without waiting for
	// delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. Supports "*" (one token) and
	// ">" (one or more trailing tokens) wildcards.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes one incoming message.
type MessageHandler func(msg *Message)

// Message is a message received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config configures a NATS connection.
type Config struct {
	URL           string
	Name          string
	Token         string
	Timeout       time.Duration
	ReconnectWait time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "missionctl",
		Timeout:       10 * time.Second,
		ReconnectWait: time.Second,
	}
}

// EventSubject is the subject a mission's events are published on.
func EventSubject(prefix, missionID string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return missionID + ".events"
	}
	return prefix + "." + missionID + ".events"
}
