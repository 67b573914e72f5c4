package memory

import (
	"context"
	"testing"
	"time"

	"classroom-quiz-service/internal/domain"
)

func TestBrokerDeliversPerSession(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()

	ch, cancel, err := broker.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	_ = broker.Publish(ctx, domain.AnswersCleared("other", time.Now()))
	_ = broker.Publish(ctx, domain.AnswersCleared("s1", time.Now()))

	select {
	case change := <-ch:
		if change.SessionID != "s1" {
			t.Fatalf("received change for %q", change.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change")
	}
	select {
	case change := <-ch:
		t.Fatalf("unexpected extra change %+v", change)
	default:
	}
}

func TestBrokerDropsOldestForSlowSubscriber(t *testing.T) {
	ctx := context.Background()
	broker := NewBrokerWithBuffer(2)
	ch, cancel, _ := broker.Subscribe(ctx, "s1")
	defer cancel()

	for i := 0; i < 3; i++ {
		idx := i
		_ = broker.Publish(ctx, domain.SessionChanged(domain.ClassSession{ID: "s1", CurrentQuestionIndex: idx}, time.Now()))
	}

	first := <-ch
	second := <-ch
	if first.Session.CurrentQuestionIndex != 1 || second.Session.CurrentQuestionIndex != 2 {
		t.Fatalf("expected the two newest changes, got %d and %d",
			first.Session.CurrentQuestionIndex, second.Session.CurrentQuestionIndex)
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	broker := NewBroker()
	ch, _, _ := broker.Subscribe(ctx, "s1")

	stop()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after context cancel")
	}
	if n := broker.Subscribers("s1"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}
