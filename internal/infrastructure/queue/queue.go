package queue

import (
	"context"
	"errors"
	"time"
)

// ErrSubscriptionClosed is returned by Subscription.Next once the subscription
// or the underlying connection is gone. It is terminal.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Message is one delivery from a durable subscription.
type Message interface {
	Data() []byte
	Subject() string
	// NumDelivered is 1 on first delivery and grows with every redelivery.
	NumDelivered() uint64
	Ack() error
	NakWithDelay(delay time.Duration) error
}

// Subscription yields messages until Stop is called.
type Subscription interface {
	Next() (Message, error)
	Stop()
}

// Publisher sends a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}
