package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStreams is a Bus over Redis Streams. Each topic is one stream; all
// instances of a service share a consumer group so each message is handled
// once. Unacknowledged messages are reclaimed after ClaimIdle.
type RedisStreams struct {
	rdb      redis.UniversalClient
	logger   zerolog.Logger
	prefix   string
	group    string
	consumer string

	maxLen    int64
	block     time.Duration
	batch     int64
	claimIdle time.Duration
}

type RedisOption func(*RedisStreams)

func WithStreamPrefix(p string) RedisOption { return func(r *RedisStreams) { r.prefix = p } }
func WithMaxLen(n int64) RedisOption { return func(r *RedisStreams) { r.maxLen = n } }
func WithClaimIdle(d time.Duration) RedisOption { return func(r *RedisStreams) { r.claimIdle = d } }
func WithBlock(d time.Duration) RedisOption { return func(r *RedisStreams) { r.block = d } }

func NewRedisStreams(rdb redis.UniversalClient, group string, logger zerolog.Logger, opts ...RedisOption) *RedisStreams {
	r := &RedisStreams{
		rdb:       rdb,
		logger:    logger.With().Str("component", "events.redis").Logger(),
		prefix:    "acq:",
		group:     group,
		consumer:  group + "-" + uuid.NewString()[:8],
		maxLen:    100_000,
		block:     2 * time.Second,
		batch:     16,
		claimIdle: time.Minute,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RedisStreams) stream(topic string) string { return r.prefix + topic }

func (r *RedisStreams) Publish(ctx context.Context, msg Message) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream(msg.Topic),
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"key":     msg.Key,
			"value":   string(msg.Value),
			"headers": string(headers),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", msg.Topic, err)
	}
	r.logger.Debug().Str("topic", msg.Topic).Str("key", msg.Key).Str("message_id", id).Msg("published")
	return nil
}

func (r *RedisStreams) ensureGroup(ctx context.Context, stream string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, r.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

// Consume reads topic through the consumer group until ctx ends.
func (r *RedisStreams) Consume(ctx context.Context, topic string, h Handler) error {
	stream := r.stream(topic)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}
	log := r.logger.With().Str("topic", topic).Str("consumer", r.consumer).Logger()
	log.Info().Msg("consumer started")

	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimed, next, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    r.group,
			Consumer: r.consumer,
			MinIdle:  r.claimIdle,
			Start:    claimStart,
			Count:    r.batch,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			log.Warn().Err(err).Msg("xautoclaim failed")
		}
		claimStart = next
		if claimStart == "" {
			claimStart = "0-0"
		}
		for _, xm := range claimed {
			r.handle(ctx, topic, stream, xm, h)
		}

		res, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    r.batch,
			Block:    r.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("xreadgroup failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, xm := range s.Messages {
				r.handle(ctx, topic, stream, xm, h)
			}
		}
	}
}

func (r *RedisStreams) handle(ctx context.Context, topic, stream string, xm redis.XMessage, h Handler) {
	msg, err := decodeXMessage(topic, xm)
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", xm.ID).Msg("undecodable stream entry, acknowledging")
		r.ack(ctx, stream, xm.ID)
		return
	}

	err = h(ContextFrom(ctx, msg), msg)
	switch {
	case err == nil:
		r.ack(ctx, stream, xm.ID)
	case IsDeadLetter(err):
		r.logger.Warn().Err(err).Str("topic", topic).Str("message_id", xm.ID).Msg("dead-lettering message")
		if perr := r.Publish(ctx, deadLetterMessage(msg, err)); perr != nil {
			r.logger.Error().Err(perr).Str("topic", topic).Msg("failed to publish dead letter, leaving pending")
			return
		}
		r.ack(ctx, stream, xm.ID)
	default:
		// Left pending; XAUTOCLAIM hands it out again after claimIdle.
		r.logger.Warn().Err(err).Str("topic", topic).Str("message_id", xm.ID).Msg("message failed, will be redelivered")
	}
}

func (r *RedisStreams) ack(ctx context.Context, stream, id string) {
	if err := r.rdb.XAck(ctx, stream, r.group, id).Err(); err != nil {
		r.logger.Error().Err(err).Str("message_id", id).Msg("xack failed")
	}
}

func decodeXMessage(topic string, xm redis.XMessage) (Message, error) {
	msg := Message{ID: xm.ID, Topic: topic}
	if v, ok := xm.Values["key"].(string); ok {
		msg.Key = v
	}
	v, ok := xm.Values["value"].(string)
	if !ok {
		return Message{}, fmt.Errorf("stream entry %s has no value", xm.ID)
	}
	msg.Value = json.RawMessage(v)
	if raw, ok := xm.Values["headers"].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &msg.Headers); err != nil {
			return Message{}, fmt.Errorf("decode headers of %s: %w", xm.ID, err)
		}
	}
	return msg, nil
}

// Close does not close the shared Redis client.
func (r *RedisStreams) Close() error { return nil }
