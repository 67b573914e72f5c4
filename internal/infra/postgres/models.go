package postgres

import (
	"time"

	"classroom-quiz-service/internal/domain"
	"github.com/uptrace/bun"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:class_sessions,alias:cs"`

	ID                   string                `bun:"id,pk"`
	ClassCode            string                `bun:"class_code"`
	Name                 string                `bun:"name"`
	IsQuizLocked         bool                  `bun:"is_quiz_locked"`
	BlockedStudentID     *string               `bun:"blocked_student_id"`
	QuizStats            domain.QuizStats      `bun:"quiz_stats,type:jsonb"`
	QuestionPoints       []int                 `bun:"question_points,array"`
	WrongPoints          []int                 `bun:"wrong_points,array"`
	CurrentQuestionIndex int                   `bun:"current_question_index"`
	Phase                string                `bun:"phase"`
	ActiveQuestion       *domain.RoundQuestion `bun:"active_question,type:jsonb"`
	RandomQueue          []string              `bun:"random_queue,array"`
	CalledStudents       []string              `bun:"called_students,array"`
	CreatedAt            time.Time             `bun:"created_at"`
	UpdatedAt            time.Time             `bun:"updated_at"`
}

func sessionFromDomain(s domain.ClassSession) *sessionRow {
	return &sessionRow{
		ID:                   s.ID,
		ClassCode:            s.ClassCode,
		Name:                 s.Name,
		IsQuizLocked:         s.IsQuizLocked,
		BlockedStudentID:     s.BlockedStudentID,
		QuizStats:            s.QuizStats,
		QuestionPoints:       nonNilInts(s.QuestionPoints),
		WrongPoints:          nonNilInts(s.WrongPoints),
		CurrentQuestionIndex: s.CurrentQuestionIndex,
		Phase:                string(s.Phase),
		ActiveQuestion:       s.ActiveQuestion,
		RandomQueue:          nonNilStrings(s.RandomQueue),
		CalledStudents:       nonNilStrings(s.CalledStudents),
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func (r *sessionRow) toDomain() domain.ClassSession {
	return domain.ClassSession{
		ID:                   r.ID,
		ClassCode:            r.ClassCode,
		Name:                 r.Name,
		IsQuizLocked:         r.IsQuizLocked,
		BlockedStudentID:     r.BlockedStudentID,
		QuizStats:            r.QuizStats,
		QuestionPoints:       nonNilInts(r.QuestionPoints),
		WrongPoints:          nonNilInts(r.WrongPoints),
		CurrentQuestionIndex: r.CurrentQuestionIndex,
		Phase:                domain.RoundPhase(r.Phase),
		ActiveQuestion:       r.ActiveQuestion,
		RandomQueue:          nonNilStrings(r.RandomQueue),
		CalledStudents:       nonNilStrings(r.CalledStudents),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

type studentRow struct {
	bun.BaseModel `bun:"table:students,alias:st"`

	ID          string    `bun:"id,pk"`
	SessionID   string    `bun:"session_id"`
	Name        string    `bun:"name"`
	StudentCode string    `bun:"student_code"`
	Score       int       `bun:"score"`
	IsCalled    bool      `bun:"is_called"`
	JoinedAt    time.Time `bun:"joined_at"`
	UpdatedAt   time.Time `bun:"updated_at"`
}

func (r *studentRow) toDomain() domain.Student {
	return domain.Student{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Name:        r.Name,
		StudentCode: r.StudentCode,
		Score:       r.Score,
		IsCalled:    r.IsCalled,
		JoinedAt:    r.JoinedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type answerRow struct {
	bun.BaseModel `bun:"table:answers,alias:an"`

	SessionID      string    `bun:"session_id,pk"`
	StudentID      string    `bun:"student_id,pk"`
	SelectedAnswer string    `bun:"selected_answer"`
	Timestamp      time.Time `bun:"timestamp"`
}

func (r *answerRow) toDomain() domain.Answer {
	return domain.Answer{
		SessionID:      r.SessionID,
		StudentID:      r.StudentID,
		SelectedAnswer: domain.Choice(r.SelectedAnswer),
		Timestamp:      r.Timestamp,
	}
}

type activityRow struct {
	bun.BaseModel `bun:"table:activities,alias:ac"`

	ID          string    `bun:"id,pk"`
	SessionID   string    `bun:"session_id"`
	StudentID   *string   `bun:"student_id"`
	Kind        string    `bun:"kind"`
	Points      int       `bun:"points"`
	Description string    `bun:"description"`
	CreatedAt   time.Time `bun:"created_at"`
}

func (r *activityRow) toDomain() domain.Activity {
	a := domain.Activity{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Kind:        domain.ActivityKind(r.Kind),
		Points:      r.Points,
		Description: r.Description,
		CreatedAt:   r.CreatedAt,
	}
	if r.StudentID != nil {
		a.StudentID = *r.StudentID
	}
	return a
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
