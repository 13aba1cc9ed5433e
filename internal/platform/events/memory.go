package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBusClosed is returned by a closed MemoryBus.
var ErrBusClosed = errors.New("events: bus closed")

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Every published message is retained and can be listed with Published.
type MemoryBus struct {
	logger     zerolog.Logger
	retryDelay time.Duration

	mu        sync.Mutex
	seq       int
	published []Message
	queues    map[string]chan Message
	closed    bool
}

func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		logger:     logger.With().Str("component", "events.memory").Logger(),
		retryDelay: time.Second,
		queues:     make(map[string]chan Message),
	}
}

func (b *MemoryBus) queue(topic string) chan Message {
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan Message, 1024)
		b.queues[topic] = q
	}
	return q
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.seq++
	msg.ID = strconv.Itoa(b.seq)
	b.published = append(b.published, msg)
	q := b.queue(msg.Topic)
	b.mu.Unlock()

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Published returns the messages published to topic, or to every topic when
// topic is empty, in publish order.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Consume drains topic until ctx ends. Failed messages that are not dead
// letters are requeued after a delay.
func (b *MemoryBus) Consume(ctx context.Context, topic string, h Handler) error {
	b.mu.Lock()
	q := b.queue(topic)
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-q:
			b.dispatch(ctx, q, msg, h)
		}
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, q chan Message, msg Message, h Handler) {
	err := h(ContextFrom(ctx, msg), msg)
	switch {
	case err == nil:
	case IsDeadLetter(err):
		b.logger.Warn().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("dead-lettering message")
		if perr := b.Publish(ctx, deadLetterMessage(msg, err)); perr != nil {
			b.logger.Error().Err(perr).Str("topic", msg.Topic).Msg("failed to publish dead letter")
		}
	default:
		b.logger.Warn().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("message failed, requeueing")
		time.AfterFunc(b.retryDelay, func() {
			select {
			case q <- msg:
			default:
				b.logger.Error().Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("queue full, dropping retry")
			}
		})
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
