package domain

import (
	"strings"
	"time"
)

// Choice is one of the four multiple-choice options.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
	ChoiceC Choice = "C"
	ChoiceD Choice = "D"
)

// Choices lists the valid options in display order.
var Choices = []Choice{ChoiceA, ChoiceB, ChoiceC, ChoiceD}

// ParseChoice normalizes user input ("a", " B ") into a Choice.
func ParseChoice(raw string) (Choice, error) {
	c := Choice(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", ErrInvalidChoice
	}
	return c, nil
}

func (c Choice) Valid() bool {
	switch c {
	case ChoiceA, ChoiceB, ChoiceC, ChoiceD:
		return true
	}
	return false
}

// RoundPhase is the persisted state of the quiz round machine.
type RoundPhase string

const (
	PhaseIdle   RoundPhase = "idle"
	PhaseOpen   RoundPhase = "open"
	PhaseLocked RoundPhase = "locked"
	PhaseGraded RoundPhase = "graded"
)

// QuizStats is the live per-choice answer count for the current round.
type QuizStats struct {
	A     int `json:"A"`
	B     int `json:"B"`
	C     int `json:"C"`
	D     int `json:"D"`
	Total int `json:"total"`
}

// Count returns the number of answers for a single choice.
func (s QuizStats) Count(c Choice) int {
	switch c {
	case ChoiceA:
		return s.A
	case ChoiceB:
		return s.B
	case ChoiceC:
		return s.C
	case ChoiceD:
		return s.D
	}
	return 0
}

// StatsFor recomputes the aggregate from an answer set. Rows are assumed
// unique per student, which the stores guarantee.
func StatsFor(answers []Answer) QuizStats {
	var s QuizStats
	for _, a := range answers {
		switch a.SelectedAnswer {
		case ChoiceA:
			s.A++
		case ChoiceB:
			s.B++
		case ChoiceC:
			s.C++
		case ChoiceD:
			s.D++
		default:
			continue
		}
		s.Total++
	}
	return s
}

// RoundQuestion is the question currently on screen when a round was
// sourced from the quiz bank. Its points override the per-index arrays.
type RoundQuestion struct {
	BankItemID    string        `json:"bankItemId"`
	Prompt        string        `json:"prompt"`
	Options       ChoiceOptions `json:"options"`
	CorrectAnswer Choice        `json:"correctAnswer"`
	Explanation   string        `json:"explanation,omitempty"`
	PointsCorrect int           `json:"pointsCorrect"`
	PointsWrong   int           `json:"pointsWrong"`
}

// ChoiceOptions holds the text of the four options.
type ChoiceOptions struct {
	A string `json:"A"`
	B string `json:"B"`
	C string `json:"C"`
	D string `json:"D"`
}

// ClassSession is one active classroom and the single source of truth for
// round state.
type ClassSession struct {
	ID                   string         `json:"id"`
	ClassCode            string         `json:"classCode"`
	Name                 string         `json:"name,omitempty"`
	IsQuizLocked         bool           `json:"isQuizLocked"`
	BlockedStudentID     *string        `json:"blockedStudentId"`
	QuizStats            QuizStats      `json:"quizStats"`
	QuestionPoints       []int          `json:"questionPoints"`
	WrongPoints          []int          `json:"wrongPoints"`
	CurrentQuestionIndex int            `json:"currentQuestionIndex"`
	Phase                RoundPhase     `json:"phase"`
	ActiveQuestion       *RoundQuestion `json:"activeQuestion,omitempty"`
	RandomQueue          []string       `json:"randomQueue"`
	CalledStudents       []string       `json:"calledStudents"`
	CreatedAt            time.Time      `json:"createdAt"`
	UpdatedAt            time.Time      `json:"updatedAt"`
}

// IsBlocked reports whether studentID is excluded from self-submission.
func (s ClassSession) IsBlocked(studentID string) bool {
	return s.BlockedStudentID != nil && *s.BlockedStudentID == studentID
}

// SessionPatch is a partial update of a session row. Nil fields are left
// untouched. BlockedStudentID pointing at "" clears the blocked student.
type SessionPatch struct {
	Name                 *string
	IsQuizLocked         *bool
	BlockedStudentID     *string
	QuizStats            *QuizStats
	QuestionPoints       *[]int
	WrongPoints          *[]int
	CurrentQuestionIndex *int
	Phase                *RoundPhase
	ActiveQuestion       *RoundQuestion
	ClearActiveQuestion  bool
	RandomQueue          *[]string
	CalledStudents       *[]string
}

// Apply writes the patch onto a copy of s.
func (p SessionPatch) Apply(s ClassSession) ClassSession {
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.IsQuizLocked != nil {
		s.IsQuizLocked = *p.IsQuizLocked
	}
	if p.BlockedStudentID != nil {
		if *p.BlockedStudentID == "" {
			s.BlockedStudentID = nil
		} else {
			id := *p.BlockedStudentID
			s.BlockedStudentID = &id
		}
	}
	if p.QuizStats != nil {
		s.QuizStats = *p.QuizStats
	}
	if p.QuestionPoints != nil {
		s.QuestionPoints = append([]int(nil), (*p.QuestionPoints)...)
	}
	if p.WrongPoints != nil {
		s.WrongPoints = append([]int(nil), (*p.WrongPoints)...)
	}
	if p.CurrentQuestionIndex != nil {
		s.CurrentQuestionIndex = *p.CurrentQuestionIndex
	}
	if p.Phase != nil {
		s.Phase = *p.Phase
	}
	if p.ClearActiveQuestion {
		s.ActiveQuestion = nil
	}
	if p.ActiveQuestion != nil {
		q := *p.ActiveQuestion
		s.ActiveQuestion = &q
	}
	if p.RandomQueue != nil {
		s.RandomQueue = append([]string(nil), (*p.RandomQueue)...)
	}
	if p.CalledStudents != nil {
		s.CalledStudents = append([]string(nil), (*p.CalledStudents)...)
	}
	return s
}

// Student belongs to exactly one session.
type Student struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Name        string    `json:"name"`
	StudentCode string    `json:"studentCode"`
	Score       int       `json:"score"`
	IsCalled    bool      `json:"isCalled"`
	JoinedAt    time.Time `json:"joinedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Answer is the single row per (session, student) for the current round.
type Answer struct {
	SessionID      string    `json:"sessionId"`
	StudentID      string    `json:"studentId"`
	SelectedAnswer Choice    `json:"selectedAnswer"`
	Timestamp      time.Time `json:"timestamp"`
}

// AnswerGuard tells the store which server-side checks to perform atomically
// with an answer write.
type AnswerGuard struct {
	RequireUnlocked bool
	RejectBlocked   bool
}

// StudentGuard is the guard used for student-initiated submissions.
var StudentGuard = AnswerGuard{RequireUnlocked: true, RejectBlocked: true}

// TeacherOverride bypasses both checks.
var TeacherOverride = AnswerGuard{}

// QuizBankItem is a reusable question with its own point configuration.
// PointsIncorrect is a non-negative penalty magnitude.
type QuizBankItem struct {
	ID              string        `json:"id"`
	QuestionText    string        `json:"question_text"`
	Options         ChoiceOptions `json:"options"`
	CorrectAnswer   Choice        `json:"correct_answer"`
	Explanation     string        `json:"explanation,omitempty"`
	Tags            []string      `json:"tags,omitempty"`
	PointsCorrect   int           `json:"points_correct"`
	PointsIncorrect int           `json:"points_incorrect"`
	CreatedAt       time.Time     `json:"created_at"`
}

// HasTag reports whether the item carries tag. An empty tag matches all.
func (q QuizBankItem) HasTag(tag string) bool {
	if tag == "" {
		return true
	}
	for _, t := range q.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ActivityKind classifies a score change.
type ActivityKind string

const (
	ActivityAward   ActivityKind = "award"
	ActivityGrade   ActivityKind = "grade"
	ActivityPenalty ActivityKind = "penalty"
	ActivityReset   ActivityKind = "reset"
	ActivitySet     ActivityKind = "set"
)

// Activity is an audit entry for one applied score change.
type Activity struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"sessionId"`
	StudentID   string       `json:"studentId"`
	Kind        ActivityKind `json:"kind"`
	Points      int          `json:"points"`
	Description string       `json:"description"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ScoreUpdate is the outcome of applying one delta.
type ScoreUpdate struct {
	StudentID string `json:"studentId"`
	Delta     int    `json:"delta"`
	NewScore  int    `json:"newScore"`
	Correct   bool   `json:"correct"`
}

// LeaderboardEntry is a snapshot-friendly view of a student.
type LeaderboardEntry struct {
	StudentID   string `json:"studentId"`
	Name        string `json:"name"`
	StudentCode string `json:"studentCode"`
	Score       int    `json:"score"`
}

// Leaderboard captures the ordered scoreboard for a class session.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
