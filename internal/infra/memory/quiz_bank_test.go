package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
)

func TestQuizBankCaches(t *testing.T) {
	loader := &countingLoader{QuizBankLoader: NewStaticQuizBankLoader(sampleItems())}
	bank := NewQuizBank(loader, time.Minute)

	items, err := bank.ListItems(context.Background(), "")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader once, got %d", loader.count())
	}

	if _, err := bank.ListItems(context.Background(), ""); err != nil {
		t.Fatalf("list items 2: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls %d", loader.count())
	}
}

func TestQuizBankFiltersByTagAndExpires(t *testing.T) {
	loader := &countingLoader{QuizBankLoader: NewStaticQuizBankLoader(sampleItems())}
	bank := NewQuizBank(loader, time.Minute)
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	bank.clock = func() time.Time { return now }

	items, err := bank.ListItems(context.Background(), "math")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 || items[0].ID != "q-math" {
		t.Fatalf("expected only the math item, got %+v", items)
	}

	now = now.Add(2 * time.Minute)
	if _, err := bank.ListItems(context.Background(), "math"); err != nil {
		t.Fatalf("list items after expiry: %v", err)
	}
	if loader.count() != 2 {
		t.Fatalf("expected reload after ttl, loader calls %d", loader.count())
	}
}

type countingLoader struct {
	app.QuizBankLoader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadItems(ctx context.Context, tag string) ([]domain.QuizBankItem, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.QuizBankLoader.LoadItems(ctx, tag)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleItems() []domain.QuizBankItem {
	return []domain.QuizBankItem{
		{
			ID:              "q-math",
			QuestionText:    "What is 2 + 2?",
			Options:         domain.ChoiceOptions{A: "3", B: "4", C: "5", D: "22"},
			CorrectAnswer:   domain.ChoiceB,
			Tags:            []string{"math"},
			PointsCorrect:   2,
			PointsIncorrect: 1,
		},
		{
			ID:              "q-geo",
			QuestionText:    "Capital of France?",
			Options:         domain.ChoiceOptions{A: "Paris", B: "Rome", C: "Madrid", D: "Berlin"},
			CorrectAnswer:   domain.ChoiceA,
			Tags:            []string{"geography"},
			PointsCorrect:   1,
			PointsIncorrect: 0,
		},
	}
}
