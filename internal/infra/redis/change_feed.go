package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangeFeed fans session changes out across instances over Redis pub/sub.
// One channel per session: classroom:session:{id}:changes.
type ChangeFeed struct {
	client *redis.Client
	buffer int
	logger *zap.Logger
}

var (
	_ app.ChangeFeed      = (*ChangeFeed)(nil)
	_ app.ChangePublisher = (*ChangeFeed)(nil)
)

func NewChangeFeed(client *redis.Client, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{client: client, buffer: 64, logger: logger}
}

func (f *ChangeFeed) Publish(ctx context.Context, change domain.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, channelKey(change.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no change
// published after the call returns is missed.
func (f *ChangeFeed) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Change, func(), error) {
	pubsub := f.client.Subscribe(ctx, channelKey(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	out := make(chan domain.Change, f.buffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change domain.Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					f.logger.Error("decode change", zap.String("session", sessionID), zap.Error(err))
					continue
				}
				deliver(out, change)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// deliver drops the oldest pending change when the subscriber lags.
func deliver(out chan domain.Change, change domain.Change) {
	select {
	case out <- change:
	default:
		select {
		case <-out:
			metrics.FeedDropped.Inc()
		default:
		}
		out <- change
	}
}

func channelKey(sessionID string) string {
	return "classroom:session:" + sessionID + ":changes"
}
