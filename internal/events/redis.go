package events

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/smallnest/chanx"
	"github.com/vmihailenco/msgpack/v5"
)

const defaultBufferSize = 100

// EncodeStreamValues packs an event into the single-field stream entry the
// game server decodes: msgpack, base64 encoded, under "data".
func EncodeStreamValues(event Event) (map[string]any, error) {
	raw, err := msgpack.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// DecodeStreamValues reverses EncodeStreamValues.
func DecodeStreamValues(values map[string]any) (Event, error) {
	var event Event

	encoded, ok := values["data"].(string)
	if !ok {
		return event, errors.New("data field not found or invalid type")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return event, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &event); err != nil {
		return event, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return event, nil
}

// RedisStreamPublisher appends events to a Redis stream. Publish never blocks
// on Redis: entries are buffered in an unbounded channel and written by a
// background goroutine started with Start.
type RedisStreamPublisher struct {
	client     *redis.Client
	stream     string
	bufferSize int
	upstream   *chanx.UnboundedChan[map[string]any]
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	closed     bool
	logger     zerolog.Logger
}

func NewRedisStreamPublisher(client *redis.Client, stream string) (*RedisStreamPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	return &RedisStreamPublisher{
		client:     client,
		stream:     stream,
		bufferSize: defaultBufferSize,
		closed:     true,
		logger: log.With().
			Str("component", "redis_stream_publisher").
			Str("stream", stream).
			Logger(),
	}, nil
}

// Start launches the writer goroutine. Calling Start twice is a no-op.
func (p *RedisStreamPublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[map[string]any](ctx, p.bufferSize)
	p.cancelFunc = cancel
	p.closed = false
	p.logger.Info().Msg("starting stream publisher")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.logger.Info().Msg("stream publisher goroutine stopped")

		for {
			select {
			case <-ctx.Done():
				return
			case values, ok := <-p.upstream.Out:
				if !ok {
					return
				}
				id, err := p.client.XAdd(ctx, &redis.XAddArgs{
					Stream: p.stream,
					Values: values,
				}).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					p.logger.Error().Err(err).Msg("failed to append delivery event")
					continue
				}
				p.logger.Debug().Str("message_id", id).Msg("delivery event appended")
			}
		}
	}()
}

func (p *RedisStreamPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	values, err := EncodeStreamValues(event)
	if err != nil {
		return err
	}

	p.upstream.In <- values
	return nil
}

// Close stops the writer goroutine. Buffered events not yet written are
// dropped; the game server recovers them by polling.
func (p *RedisStreamPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.logger.Info().Msg("closing stream publisher")
	p.cancelFunc()
	p.wg.Wait()
	return nil
}
