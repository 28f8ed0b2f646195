// Package bus abstracts the topic-addressed broadcast transport that carries
// signaling traffic. Every backend delivers a published payload to all
// active subscriptions of the topic, including the publisher's own.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus: closed")

type Bus interface {
	// Subscribe returns once the subscription is active: anything published
	// on topic after Subscribe returns is delivered to it.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte) error
	Close() error
}

type Subscription interface {
	Topic() string
	// Messages is closed when the subscription is closed or the bus goes away.
	Messages() <-chan []byte
	Close() error
}

// QueueSize is the per-subscription buffer every backend uses.
const QueueSize = 256
