package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"pairlist/domain"
)

type backend interface {
	FetchDocument(ctx context.Context, coupleID string) (domain.Document, error)
	PutDocument(ctx context.Context, coupleID string, doc domain.Document) error
}

// Cache wraps a Storage instance with Redis-backed caching for document
// reads. Writes evict so the next read goes to the table.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client
// and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchDocument(ctx context.Context, coupleID string) (domain.Document, error) {
	if doc, ok := c.loadFromCache(ctx, coupleID); ok {
		return doc, nil
	}

	doc, err := c.base.FetchDocument(ctx, coupleID)
	if err != nil {
		return domain.Document{}, err
	}

	c.store(ctx, coupleID, doc)
	return doc, nil
}

func (c *Cache) PutDocument(ctx context.Context, coupleID string, doc domain.Document) error {
	if err := c.base.PutDocument(ctx, coupleID, doc); err != nil {
		return err
	}

	c.evict(ctx, coupleID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, coupleID string) (domain.Document, bool) {
	if c.redis == nil {
		return domain.Document{}, false
	}
	data, err := c.redis.Get(ctx, documentCacheKey(coupleID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, documentCacheKey(coupleID)).Err()
		}
		return domain.Document{}, false
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		_ = c.redis.Del(ctx, documentCacheKey(coupleID)).Err()
		return domain.Document{}, false
	}
	return doc, true
}

func (c *Cache) store(ctx context.Context, coupleID string, doc domain.Document) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, documentCacheKey(coupleID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, coupleID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, documentCacheKey(coupleID)).Result()
}

func documentCacheKey(coupleID string) string {
	return "doc:" + coupleID
}
