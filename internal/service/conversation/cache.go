package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"debatechat/internal/models"
	"debatechat/internal/redis"
)

const (
	cacheInvalidateChannel = "conversation:invalidate"
	cacheTTL               = 30 * time.Minute
)

// Cache keeps topic message histories in redis so repeated prompt/regenerate
// cycles do not re-read the full thread from the database. Invalidations are
// broadcast over pub/sub so other instances drop their entries too.
type Cache struct {
	client *redis.Client
}

// NewCache wraps the redis client. A nil client yields a no-op cache.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func historyKey(topicID uuid.UUID) string {
	return fmt.Sprintf("conversation:history:%s", topicID)
}

// Save stores the topic's ordered messages.
func (c *Cache) Save(ctx context.Context, topicID uuid.UUID, messages []*models.Message) {
	if c == nil || c.client == nil || topicID == uuid.Nil {
		return
	}
	data, err := json.Marshal(messages)
	if err != nil {
		log.Printf("conversation cache marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, historyKey(topicID), data, cacheTTL); err != nil {
		log.Printf("conversation cache save failed: %v", err)
	}
}

// Load fetches the topic's messages; the second return reports a hit.
func (c *Cache) Load(ctx context.Context, topicID uuid.UUID) ([]*models.Message, bool) {
	if c == nil || c.client == nil || topicID == uuid.Nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, historyKey(topicID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("conversation cache load failed: %v", err)
		}
		return nil, false
	}
	var messages []*models.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		log.Printf("conversation cache decode failed: %v", err)
		return nil, false
	}
	return messages, true
}

// Invalidate drops the topic's cached history and broadcasts the drop.
func (c *Cache) Invalidate(ctx context.Context, topicID uuid.UUID) {
	if c == nil || c.client == nil || topicID == uuid.Nil {
		return
	}
	if err := c.client.Del(ctx, historyKey(topicID)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("conversation cache invalidate failed: %v", err)
	}
	raw := c.client.Raw()
	if raw == nil {
		return
	}
	if err := raw.Publish(ctx, cacheInvalidateChannel, topicID.String()).Err(); err != nil {
		log.Printf("conversation cache publish failed: %v", err)
	}
}

// StartInvalidationListener subscribes to invalidation broadcasts from other
// instances and drops the matching local entries.
func (c *Cache) StartInvalidationListener(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	raw := c.client.Raw()
	if raw == nil {
		return
	}
	go func() {
		pubsub := raw.Subscribe(ctx, cacheInvalidateChannel)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				topicID, err := uuid.Parse(msg.Payload)
				if err != nil {
					log.Printf("conversation invalidation decode failed: %v", err)
					continue
				}
				if err := c.client.Del(ctx, historyKey(topicID)); err != nil && err != redis.ErrCacheMiss {
					log.Printf("conversation invalidation del failed: %v", err)
				}
			}
		}
	}()
}
