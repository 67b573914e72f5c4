package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// QuizBank caches bank items per tag with a TTL to avoid repeated DB hits.
type QuizBank struct {
	loader app.QuizBankLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex

	mu    sync.RWMutex
	cache map[string]cachedItems
}

type cachedItems struct {
	items     []domain.QuizBankItem
	expiresAt time.Time
}

var _ app.QuizBankRepository = (*QuizBank)(nil)

func NewQuizBank(loader app.QuizBankLoader, ttl time.Duration) *QuizBank {
	return &QuizBank{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedItems),
	}
}

func (b *QuizBank) ListItems(ctx context.Context, tag string) ([]domain.QuizBankItem, error) {
	if items, ok := b.lookup(tag, b.clock()); ok {
		return items, nil
	}

	result, err, _ := b.sf.Do("tag:"+tag, func() (interface{}, error) {
		now := b.clock()
		if items, ok := b.lookup(tag, now); ok {
			return items, nil
		}
		items, err := b.loader.LoadItems(ctx, tag)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cache[tag] = cachedItems{items: items, expiresAt: now.Add(b.ttlWithJitter())}
		b.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]domain.QuizBankItem(nil), result.([]domain.QuizBankItem)...), nil
}

// Invalidate drops every cached tag, e.g. after seeding.
func (b *QuizBank) Invalidate() {
	b.mu.Lock()
	b.cache = make(map[string]cachedItems)
	b.mu.Unlock()
}

func (b *QuizBank) lookup(tag string, now time.Time) ([]domain.QuizBankItem, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[tag]
	if !ok || !entry.expiresAt.After(now) {
		return nil, false
	}
	return append([]domain.QuizBankItem(nil), entry.items...), true
}

func (b *QuizBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(b.ttl) / 10
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}

// StaticQuizBankLoader is a simple loader backed by a slice (useful for tests/demos).
type StaticQuizBankLoader struct {
	items []domain.QuizBankItem
}

func NewStaticQuizBankLoader(items []domain.QuizBankItem) *StaticQuizBankLoader {
	return &StaticQuizBankLoader{items: items}
}

func (l *StaticQuizBankLoader) LoadItems(_ context.Context, tag string) ([]domain.QuizBankItem, error) {
	out := make([]domain.QuizBankItem, 0, len(l.items))
	for _, item := range l.items {
		if item.HasTag(tag) {
			out = append(out, item)
		}
	}
	return out, nil
}
