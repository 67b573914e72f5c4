package cli

import (
	"context"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/infra/postgres"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewSeedCmd loads the sample quiz bank into Postgres.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert sample quiz bank questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger(*configPath)
			if err != nil {
				return err
			}
			defer log.Closer()
			if err := runMigrationsWithConfig(cmd.Context(), cfg, log.Base); err != nil {
				return err
			}
			pool, err := pgxpool.Connect(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return seedBank(cmd.Context(), postgres.NewQuizBankLoader(pool), log.Base)
		},
	}
}

type itemSaver interface {
	SaveItem(ctx context.Context, item domain.QuizBankItem) (domain.QuizBankItem, error)
}

func seedBank(ctx context.Context, saver itemSaver, logger *zap.Logger) error {
	for _, item := range sampleBankItems() {
		saved, err := saver.SaveItem(ctx, item)
		if err != nil {
			return err
		}
		logger.Info("seeded question", zap.String("id", saved.ID), zap.Strings("tags", saved.Tags))
	}
	return nil
}

// sampleBankItems backs the in-memory bank and the seed command.
func sampleBankItems() []domain.QuizBankItem {
	return []domain.QuizBankItem{
		{
			ID:              "bank-math-1",
			QuestionText:    "What is 7 x 8?",
			Options:         domain.ChoiceOptions{A: "54", B: "56", C: "58", D: "64"},
			CorrectAnswer:   domain.ChoiceB,
			Tags:            []string{"math", "grade4"},
			PointsCorrect:   10,
			PointsIncorrect: 5,
		},
		{
			ID:              "bank-math-2",
			QuestionText:    "Which number is prime?",
			Options:         domain.ChoiceOptions{A: "21", B: "27", C: "29", D: "33"},
			CorrectAnswer:   domain.ChoiceC,
			Tags:            []string{"math"},
			PointsCorrect:   10,
			PointsIncorrect: 5,
		},
		{
			ID:              "bank-sci-1",
			QuestionText:    "What gas do plants absorb from the air?",
			Options:         domain.ChoiceOptions{A: "Oxygen", B: "Nitrogen", C: "Helium", D: "Carbon dioxide"},
			CorrectAnswer:   domain.ChoiceD,
			Explanation:     "Plants take in carbon dioxide for photosynthesis.",
			Tags:            []string{"science"},
			PointsCorrect:   10,
			PointsIncorrect: 0,
		},
		{
			ID:              "bank-geo-1",
			QuestionText:    "Which is the largest ocean?",
			Options:         domain.ChoiceOptions{A: "Pacific", B: "Atlantic", C: "Indian", D: "Arctic"},
			CorrectAnswer:   domain.ChoiceA,
			Tags:            []string{"geography"},
			PointsCorrect:   5,
			PointsIncorrect: 2,
		},
	}
}
