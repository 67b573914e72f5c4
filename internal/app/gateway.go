package app

import (
	"context"

	"classroom-quiz-service/internal/domain"
)

// Gateway abstracts the persistence side of the classroom (in-memory, Postgres).
// Implementations publish a domain.Change for every mutation they commit.
type Gateway interface {
	CreateSession(ctx context.Context, name string) (domain.ClassSession, error)
	GetSession(ctx context.Context, sessionID string) (domain.ClassSession, error)
	GetSessionByCode(ctx context.Context, classCode string) (domain.ClassSession, error)
	UpdateSession(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// ResetRound deletes every answer of the session and then applies patch,
	// as one unit. The answer-clear change is published before the session change.
	ResetRound(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error)

	DeleteAnswers(ctx context.Context, sessionID string) error
	// UpsertAnswer inserts or replaces the (session, student) row and
	// recomputes the session's quiz stats. The guard is evaluated against
	// the committed session row in the same unit of work.
	UpsertAnswer(ctx context.Context, sessionID, studentID string, choice domain.Choice, guard domain.AnswerGuard) (domain.Answer, error)
	DeleteAnswer(ctx context.Context, sessionID, studentID string, guard domain.AnswerGuard) error
	ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error)

	AddStudent(ctx context.Context, sessionID, name, studentCode string) (domain.Student, error)
	GetStudent(ctx context.Context, sessionID, studentID string) (domain.Student, error)
	GetStudentByCode(ctx context.Context, sessionID, studentCode string) (domain.Student, error)
	ListStudents(ctx context.Context, sessionID string) ([]domain.Student, error)
	// UpdateStudentScore writes an absolute score and returns the value it replaced.
	UpdateStudentScore(ctx context.Context, sessionID, studentID string, newScore int) (int, error)
	// AddStudentScore applies score = score + delta atomically and returns the new score.
	AddStudentScore(ctx context.Context, sessionID, studentID string, delta int) (int, error)
	ResetScores(ctx context.Context, sessionID string) error
	SetCalled(ctx context.Context, sessionID, studentID string, called bool) (domain.Student, error)
	ResetCalled(ctx context.Context, sessionID string) error

	RecordActivity(ctx context.Context, activity domain.Activity) error
	ListActivities(ctx context.Context, sessionID string, limit int) ([]domain.Activity, error)
}

// ChangeFeed delivers committed changes for one session.
// The caller must invoke the returned cancel function to avoid leaks.
type ChangeFeed interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.Change, func(), error)
}

// QuizBankRepository loads bank questions (from cache/backing store).
type QuizBankRepository interface {
	ListItems(ctx context.Context, tag string) ([]domain.QuizBankItem, error)
}

// ChangePublisher fans committed changes out to subscribers. Stores call
// Publish after each commit, in commit order.
type ChangePublisher interface {
	Publish(ctx context.Context, change domain.Change) error
}

// QuizBankLoader reads bank items from the backing store on a cache miss.
type QuizBankLoader interface {
	LoadItems(ctx context.Context, tag string) ([]domain.QuizBankItem, error)
}
