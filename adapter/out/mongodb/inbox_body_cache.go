package mongodb

import (
	"context"
	"errors"
	"time"

	"inbox_server/core/domain"
	"inbox_server/core/port/out"
	"inbox_server/pkg/cache"
	"inbox_server/pkg/logger"
)

const (
	bodyCacheKeyPrefix = "inbox:body:"
	bodyCacheTTL       = 15 * time.Minute
)

// CachedBodyStore decorates a body repository with a Redis read cache.
// Bodies never change once fetched, so caching them is safe and saves
// a Mongo round trip when a conversation is reopened.
type CachedBodyStore struct {
	inner out.BodyRepository
	cache *cache.RedisCache
}

// NewCachedBodyStore wraps a body repository with caching.
func NewCachedBodyStore(inner out.BodyRepository, c *cache.RedisCache) *CachedBodyStore {
	return &CachedBodyStore{inner: inner, cache: c}
}

func (s *CachedBodyStore) Get(ctx context.Context, messageID string) (*domain.MessageBody, error) {
	var cached domain.MessageBody
	err := s.cache.GetJSON(ctx, bodyCacheKeyPrefix+messageID, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		// Cache trouble should not break reads.
		logger.WithError(err).Warn("body cache read failed, falling through")
	}

	body, err := s.inner.Get(ctx, messageID)
	if err != nil || body == nil {
		return body, err
	}

	if err := s.cache.SetJSON(ctx, bodyCacheKeyPrefix+messageID, body, bodyCacheTTL); err != nil {
		logger.WithError(err).Warn("body cache write failed")
	}
	return body, nil
}

func (s *CachedBodyStore) Save(ctx context.Context, body *domain.MessageBody) error {
	if err := s.inner.Save(ctx, body); err != nil {
		return err
	}
	if err := s.cache.SetJSON(ctx, bodyCacheKeyPrefix+body.MessageID, body, bodyCacheTTL); err != nil {
		logger.WithError(err).Warn("body cache write failed")
	}
	return nil
}

func (s *CachedBodyStore) Delete(ctx context.Context, messageID string) error {
	if err := s.inner.Delete(ctx, messageID); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, bodyCacheKeyPrefix+messageID); err != nil {
		logger.WithError(err).Warn("body cache delete failed")
	}
	return nil
}

var _ out.BodyRepository = (*CachedBodyStore)(nil)
