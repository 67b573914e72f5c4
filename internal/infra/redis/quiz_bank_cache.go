package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuizBankCache caches bank items in Redis (one JSON value per tag) and
// falls back to a loader on cache miss.
// Items are stored as: SET quizbank:tag:{tag} [...items]
type QuizBankCache struct {
	client *redis.Client
	loader app.QuizBankLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

var _ app.QuizBankRepository = (*QuizBankCache)(nil)

func NewQuizBankCache(client *redis.Client, loader app.QuizBankLoader, ttl time.Duration) *QuizBankCache {
	return &QuizBankCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuizBankCache) ListItems(ctx context.Context, tag string) ([]domain.QuizBankItem, error) {
	key := c.key(tag)
	if items, ok := c.cached(ctx, key); ok {
		return items, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if items, ok := c.cached(ctx, key); ok {
			return items, nil
		}
		items, err := c.loader.LoadItems(ctx, tag)
		if err != nil {
			return nil, err
		}
		if payload, err := json.Marshal(items); err == nil {
			_ = c.client.Set(ctx, key, payload, c.ttlWithJitter()).Err()
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.QuizBankItem), nil
}

// Invalidate removes the cached list for tag.
func (c *QuizBankCache) Invalidate(ctx context.Context, tag string) error {
	return c.client.Del(ctx, c.key(tag)).Err()
}

func (c *QuizBankCache) cached(ctx context.Context, key string) ([]domain.QuizBankItem, bool) {
	// redis.Nil and transport errors both count as a miss.
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var items []domain.QuizBankItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, true
}

func (c *QuizBankCache) key(tag string) string {
	if tag == "" {
		tag = "*"
	}
	return "quizbank:tag:" + tag
}

func (c *QuizBankCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
