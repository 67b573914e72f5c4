package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/ctxutil"
	"classroom-quiz-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
)

// bankListLimit bounds how many candidates a random pick chooses from.
const bankListLimit = 50

// QuizBankLoader reads quiz_bank rows through a pgx pool.
type QuizBankLoader struct {
	pool *pgxpool.Pool
}

var _ app.QuizBankLoader = (*QuizBankLoader)(nil)

func NewQuizBankLoader(pool *pgxpool.Pool) *QuizBankLoader {
	return &QuizBankLoader{pool: pool}
}

// LoadItems returns the newest items carrying tag; an empty tag matches all.
func (l *QuizBankLoader) LoadItems(ctx context.Context, tag string) ([]domain.QuizBankItem, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	rows, err := l.pool.Query(ctx, `
		SELECT id, question_text, options, correct_answer, coalesce(explanation, ''),
		       coalesce(tags, '{}'), points_correct, points_incorrect, created_at
		FROM quiz_bank
		WHERE $1 = '' OR $1 = ANY(tags)
		ORDER BY created_at DESC
		LIMIT $2`, tag, bankListLimit)
	if err != nil {
		return nil, fmt.Errorf("load quiz bank: %w", err)
	}
	defer rows.Close()

	var items []domain.QuizBankItem
	for rows.Next() {
		var (
			item    domain.QuizBankItem
			options []byte
			correct string
		)
		if err := rows.Scan(&item.ID, &item.QuestionText, &options, &correct, &item.Explanation,
			&item.Tags, &item.PointsCorrect, &item.PointsIncorrect, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quiz bank: %w", err)
		}
		if err := json.Unmarshal(options, &item.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
		item.CorrectAnswer = domain.Choice(correct)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load quiz bank: %w", err)
	}
	return items, nil
}

// SaveItem inserts or replaces a bank item. A missing ID is generated and
// non-positive correct points fall back to 1.
func (l *QuizBankLoader) SaveItem(ctx context.Context, item domain.QuizBankItem) (domain.QuizBankItem, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	if !item.CorrectAnswer.Valid() {
		return domain.QuizBankItem{}, domain.ErrInvalidChoice
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.PointsCorrect <= 0 {
		item.PointsCorrect = 1
	}
	if item.PointsIncorrect < 0 {
		item.PointsIncorrect = -item.PointsIncorrect
	}
	options, err := json.Marshal(item.Options)
	if err != nil {
		return domain.QuizBankItem{}, fmt.Errorf("marshal options: %w", err)
	}
	tags := item.Tags
	if tags == nil {
		tags = []string{}
	}
	err = l.pool.QueryRow(ctx, `
		INSERT INTO quiz_bank (id, question_text, options, correct_answer, explanation, tags, points_correct, points_incorrect)
		VALUES ($1, $2, $3::jsonb, $4, nullif($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			question_text = EXCLUDED.question_text,
			options = EXCLUDED.options,
			correct_answer = EXCLUDED.correct_answer,
			explanation = EXCLUDED.explanation,
			tags = EXCLUDED.tags,
			points_correct = EXCLUDED.points_correct,
			points_incorrect = EXCLUDED.points_incorrect
		RETURNING created_at`,
		item.ID, item.QuestionText, string(options), string(item.CorrectAnswer), item.Explanation,
		tags, item.PointsCorrect, item.PointsIncorrect).Scan(&item.CreatedAt)
	if err != nil {
		return domain.QuizBankItem{}, fmt.Errorf("save quiz bank item: %w", err)
	}
	return item, nil
}
