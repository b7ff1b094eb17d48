package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects carried on the artdb stream.
const (
	StreamName            = "ARTDB"
	ArtworkSavedSubject   = "artdb.artworks.saved"
	ArtworkIndexedSubject = "artdb.artworks.indexed"
)

// Handler processes one message. Returning an error wrapped with Permanent
// terminates the message instead of asking for redelivery.
type Handler func(ctx context.Context, data []byte) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, logger zerolog.Logger, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// EnsureStream creates the artdb stream when it does not exist yet.
func (b *Bus) EnsureStream() error {
	if b == nil {
		return errors.New("nil bus")
	}
	_, err := b.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"artdb.>"},
		Storage:  nats.FileStorage,
	})
	return err
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe creates a durable consumer on the given subject and invokes fn for each message.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	handler := func(msg *nats.Msg) {
		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		err := fn(handlerCtx, msg.Data)
		switch {
		case err == nil:
			_ = msg.Ack()
		case IsPermanent(err):
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping message")
			_ = msg.Term()
		default:
			b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("message handler failed")
			_ = msg.Nak()
		}
	}

	sub, err := b.js.Subscribe(subj, handler, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
