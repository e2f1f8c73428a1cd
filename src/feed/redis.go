package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/perpstream/feedhub/src/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const resubscribeDelay = 5 * time.Second

// envelope is the wire form the producer publishes on the events channel.
type envelope struct {
	Type      string         `json:"type"`
	MarketID  string         `json:"marketId"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp,omitempty"`
}

// RedisSource consumes producer events from a Redis pub/sub channel.
type RedisSource struct {
	client *redis.Client
	prefix string
	hub    Publisher
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	active bool
}

// NewRedisSource creates a consumer on the given client. The client is
// shared with the snapshot source and not closed on Stop.
func NewRedisSource(client *redis.Client, prefix string, hub Publisher, logger zerolog.Logger) *RedisSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisSource{
		client: client,
		prefix: prefix,
		hub:    hub,
		logger: logger.With().Str("component", "redis-feed").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the producer channel and begins forwarding events.
func (s *RedisSource) Start() error {
	if err := s.client.Ping(s.ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	channel := s.prefix + "events"
	sub := s.client.Subscribe(s.ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(s.ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.listen(sub, channel)

	s.logger.Info().Str("channel", channel).Msg("feed started")
	return nil
}

// Stop unsubscribes and stops the listen goroutine.
func (s *RedisSource) Stop() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Available reports whether the consumer is connected.
func (s *RedisSource) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// listen reads producer messages and forwards them to the hub. When the
// subscription channel closes it resubscribes with a fixed delay, so a
// producer or Redis restart does not kill the server.
func (s *RedisSource) listen(sub *redis.PubSub, channel string) {
	defer s.wg.Done()
	defer func() { sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-time.After(resubscribeDelay):
				case <-s.ctx.Done():
					return
				}
				sub.Close()
				sub = s.client.Subscribe(s.ctx, channel)
				ch = sub.Channel()
				s.logger.Warn().Str("channel", channel).Msg("feed resubscribed")
				continue
			}
			s.handleRedisMessage(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RedisSource) handleRedisMessage(msg *redis.Message) {
	ev, err := decodeEnvelope([]byte(msg.Payload))
	if err != nil {
		s.logger.Error().Err(err).Msg("dropping malformed producer event")
		return
	}
	s.hub.Publish(ev)
}

// decodeEnvelope parses and validates one producer payload.
func decodeEnvelope(payload []byte) (types.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return types.Event{}, fmt.Errorf("decode event: %w", err)
	}

	kind := types.EventKind(env.Type)
	switch kind {
	case types.EventPriceUpdated, types.EventTradeExecuted, types.EventFundingUpdated:
	default:
		return types.Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}

	market, err := types.SanitizeMarketID(env.MarketID)
	if err != nil {
		return types.Event{}, fmt.Errorf("event market: %w", err)
	}

	at := time.Now()
	if env.Timestamp > 0 {
		at = time.UnixMilli(env.Timestamp)
	}
	return types.Event{Kind: kind, MarketID: market, Data: env.Data, At: at}, nil
}
