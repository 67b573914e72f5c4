package memory

import (
	"context"
	"sync"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broker is an in-process change feed. It implements both
// app.ChangePublisher and app.ChangeFeed.
type Broker struct {
	buffer int

	mu   sync.Mutex
	subs map[string]map[chan domain.Change]struct{}
}

func NewBroker() *Broker {
	return NewBrokerWithBuffer(DefaultBuffer)
}

// NewBrokerWithBuffer is mostly for tests that exercise the drop policy.
func NewBrokerWithBuffer(buffer int) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{buffer: buffer, subs: make(map[string]map[chan domain.Change]struct{})}
}

// Subscribe registers a channel for sessionID. The channel is closed when
// cancel is called or ctx ends.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Change, func(), error) {
	ch := make(chan domain.Change, b.buffer)

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan domain.Change]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			defer b.mu.Unlock()
			set := b.subs[sessionID]
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

// Publish never blocks: a full subscriber loses its oldest pending change.
func (b *Broker) Publish(_ context.Context, change domain.Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[change.SessionID] {
		select {
		case ch <- change:
		default:
			select {
			case <-ch:
				metrics.FeedDropped.Inc()
			default:
			}
			ch <- change
		}
	}
	return nil
}

// Subscribers reports how many channels follow sessionID.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}
