package feed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel events are mirrored to.
const DefaultChannel = "wattex:events"

// RedisSink mirrors events onto a Redis pub/sub channel for consumers
// outside the daemon process.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// NewRedisSink returns a sink publishing to channel, or DefaultChannel when
// channel is empty.
func NewRedisSink(client *redis.Client, channel string, log zerolog.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{
		client:  client,
		channel: channel,
		log:     log.With().Str("component", "feed.redis").Logger(),
	}
}

// Publish implements Publisher.
func (s *RedisSink) Publish(ctx context.Context, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("kind", ev.Kind).Msg("encode event")
		return
	}
	if err := s.client.Publish(ctx, s.channel, raw).Err(); err != nil {
		s.log.Warn().Err(err).Str("kind", ev.Kind).Msg("redis publish failed")
	}
}

var _ Publisher = (*RedisSink)(nil)
