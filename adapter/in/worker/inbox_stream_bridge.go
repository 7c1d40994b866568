package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// StreamBridge feeds stream-consumed jobs into the worker pool. It
// implements the messaging consumer's JobHandler.
type StreamBridge struct {
	pool *Pool
	log  zerolog.Logger
}

// NewStreamBridge creates a bridge from the stream consumer to the pool.
func NewStreamBridge(pool *Pool, log zerolog.Logger) *StreamBridge {
	return &StreamBridge{
		pool: pool,
		log:  log.With().Str("component", "stream_bridge").Logger(),
	}
}

// Handle decodes a stream entry and submits it to the pool. A decode
// failure is returned so the consumer routes the entry to its DLQ
// instead of redelivering it forever.
func (b *StreamBridge) Handle(ctx context.Context, stream string, data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		b.log.Error().Err(err).Str("stream", stream).Msg("undecodable job on stream")
		return fmt.Errorf("decode job from %s: %w", stream, err)
	}

	if !b.pool.Submit(msg) {
		return fmt.Errorf("pool rejected job %s", msg.ID)
	}
	return nil
}
