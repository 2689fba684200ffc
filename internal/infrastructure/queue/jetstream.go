package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamOptions describes the work-queue stream requests are stored in.
type StreamOptions struct {
	Name     string
	Subjects []string
}

// ConsumerOptions describes the durable pull consumer.
type ConsumerOptions struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log zerolog.Logger
}

// Connect dials NATS and keeps reconnecting forever after the first success.
func Connect(url, name string, logger zerolog.Logger) (*Client, error) {
	log := logger.With().Str("component", "jetstream").Logger()

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("connected to nats")
	return &Client{nc: nc, js: js, log: log}, nil
}

// EnsureStream returns the named stream, creating it with file storage and
// work-queue retention when it does not exist yet.
func (c *Client) EnsureStream(ctx context.Context, opts StreamOptions) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, opts.Name)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, fmt.Errorf("lookup stream %s: %w", opts.Name, err)
	}

	stream, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Name,
		Subjects:  opts.Subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", opts.Name, err)
	}
	c.log.Info().Str("stream", opts.Name).Strs("subjects", opts.Subjects).Msg("created stream")
	return stream, nil
}

// Subscribe gets or creates the durable consumer and starts pulling from it.
// An existing consumer keeps its server-side configuration.
func (c *Client) Subscribe(ctx context.Context, opts ConsumerOptions) (Subscription, error) {
	stream, err := c.js.Stream(ctx, opts.Stream)
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", opts.Stream, err)
	}

	consumer, err := stream.Consumer(ctx, opts.Durable)
	if errors.Is(err, jetstream.ErrConsumerNotFound) {
		consumer, err = stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       opts.Durable,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			FilterSubject: opts.FilterSubject,
			MaxDeliver:    opts.MaxDeliver,
			AckWait:       opts.AckWait,
		})
		if err == nil {
			c.log.Info().Str("consumer", opts.Durable).Str("filter", opts.FilterSubject).Msg("created durable consumer")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get or create consumer %s: %w", opts.Durable, err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("start message iterator: %w", err)
	}
	return &subscription{iter: iter}, nil
}

// Publish sends data on a core NATS subject and waits for the server to
// confirm receipt with a flush.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	if err := c.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush publish to %s: %w", subject, err)
	}
	return nil
}

// IsRejected reports whether a publish failed in a way a retry cannot fix,
// such as a payload above the server's max_payload or an invalid subject.
func IsRejected(err error) bool {
	return errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject)
}

// IsConnected reports whether the NATS connection is currently usable.
func (c *Client) IsConnected() bool {
	return c.nc.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (c *Client) Close() {
	if err := c.nc.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("drain nats connection")
		c.nc.Close()
	}
}

type subscription struct {
	iter jetstream.MessagesContext
}

func (s *subscription) Next() (Message, error) {
	msg, err := s.iter.Next()
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrSubscriptionClosed
		}
		return nil, err
	}
	return &jetStreamMessage{msg: msg}, nil
}

func (s *subscription) Stop() {
	s.iter.Stop()
}

type jetStreamMessage struct {
	msg jetstream.Msg
}

func (m *jetStreamMessage) Data() []byte    { return m.msg.Data() }
func (m *jetStreamMessage) Subject() string { return m.msg.Subject() }
func (m *jetStreamMessage) Ack() error      { return m.msg.Ack() }

func (m *jetStreamMessage) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

func (m *jetStreamMessage) NumDelivered() uint64 {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 1
	}
	return meta.NumDelivered
}
