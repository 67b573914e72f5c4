package client

import (
	"context"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
)

// Follow applies every change for sessionID to mirror until ctx ends or the
// feed closes. It returns ctx.Err() on cancellation and nil when the feed closes on its
// own.
func Follow(ctx context.Context, feed app.ChangeFeed, sessionID string, mirror *Mirror) error {
	changes, cancel, err := feed.Subscribe(ctx, sessionID)
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			mirror.Apply(change)
		}
	}
}

// Watch calls onSession for every session row change and onAnswer for every
// answer change. Either callback may be nil. The returned func unsubscribes.
func Watch(ctx context.Context, feed app.ChangeFeed, sessionID string, onSession func(domain.ClassSession), onAnswer func(domain.Change)) (func(), error) {
	ctx, stop := context.WithCancel(ctx)
	changes, cancel, err := feed.Subscribe(ctx, sessionID)
	if err != nil {
		stop()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				switch change.Table {
				case domain.TableSessions:
					if onSession != nil && change.Session != nil {
						onSession(*change.Session)
					}
				case domain.TableAnswers:
					if onAnswer != nil {
						onAnswer(change)
					}
				}
			}
		}
	}()
	return func() {
		stop()
		cancel()
		<-done
	}, nil
}
