package app

import (
	"context"
	"fmt"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/metrics"
	"go.uber.org/zap"
)

// Exclusion says whether an open call should touch the blocked student.
// The zero value leaves the current blocked student as is.
type Exclusion struct {
	set bool
	id  string
}

// KeepBlocked leaves BlockedStudentID untouched.
func KeepBlocked() Exclusion { return Exclusion{} }

// Exclude blocks studentID from self-submission for the round.
func Exclude(studentID string) Exclusion { return Exclusion{set: true, id: studentID} }

// ClearExclusion explicitly sets BlockedStudentID to null.
func ClearExclusion() Exclusion { return Exclusion{set: true} }

// RoundMachine drives the quiz round lifecycle on the session row:
// idle -> open -> locked -> graded -> open (next question) or idle.
type RoundMachine struct {
	gw     Gateway
	bank   QuizBankRepository
	rnd    *lockedRand
	logger *zap.Logger
}

// OpenForEveryone clears all answers, unlocks, zeroes the stats and, only
// when the exclusion was passed, replaces the blocked student.
func (m *RoundMachine) OpenForEveryone(ctx context.Context, sessionID string, ex Exclusion) (domain.ClassSession, error) {
	return m.open(ctx, sessionID, ex, nil)
}

func (m *RoundMachine) open(ctx context.Context, sessionID string, ex Exclusion, question *domain.RoundQuestion) (domain.ClassSession, error) {
	if ex.set && ex.id != "" {
		if _, err := m.gw.GetStudent(ctx, sessionID, ex.id); err != nil {
			return domain.ClassSession{}, err
		}
	}

	unlocked := false
	phase := domain.PhaseOpen
	stats := domain.QuizStats{}
	patch := domain.SessionPatch{
		IsQuizLocked: &unlocked,
		QuizStats:    &stats,
		Phase:        &phase,
	}
	if ex.set {
		blocked := ex.id
		patch.BlockedStudentID = &blocked
	}
	if question != nil {
		patch.ActiveQuestion = question
	}

	session, err := m.gw.ResetRound(ctx, sessionID, patch)
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("open round: %w", err)
	}
	metrics.RoundTransitions.WithLabelValues(string(domain.PhaseOpen)).Inc()
	m.logger.Info("round opened",
		zap.String("session", sessionID),
		zap.Int("question", session.CurrentQuestionIndex),
		zap.Bool("blocked", session.BlockedStudentID != nil))
	return session, nil
}

// Lock freezes answer submission. Locking a locked round is a no-op.
func (m *RoundMachine) Lock(ctx context.Context, sessionID string) (domain.ClassSession, error) {
	locked := true
	phase := domain.PhaseLocked
	session, err := m.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{IsQuizLocked: &locked, Phase: &phase})
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("lock round: %w", err)
	}
	metrics.RoundTransitions.WithLabelValues(string(domain.PhaseLocked)).Inc()
	m.logger.Info("round locked", zap.String("session", sessionID), zap.Int("answers", session.QuizStats.Total))
	return session, nil
}

// ClearBlockedStudent lets everyone answer again; used when a round's dialog closes.
func (m *RoundMachine) ClearBlockedStudent(ctx context.Context, sessionID string) (domain.ClassSession, error) {
	none := ""
	session, err := m.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{BlockedStudentID: &none})
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("clear blocked student: %w", err)
	}
	return session, nil
}

// StartFromBank picks a random bank question (optionally by tag) and opens a
// round whose points come from that question. Bank items store the wrong
// answer penalty as a magnitude; the round carries it as a signed delta.
func (m *RoundMachine) StartFromBank(ctx context.Context, sessionID, tag string, ex Exclusion) (domain.ClassSession, error) {
	if m.bank == nil {
		return domain.ClassSession{}, domain.ErrQuizBankEmpty
	}
	items, err := m.bank.ListItems(ctx, tag)
	if err != nil {
		return domain.ClassSession{}, err
	}
	if len(items) == 0 {
		return domain.ClassSession{}, domain.ErrQuizBankEmpty
	}
	// Pick among a bounded window rather than ordering by random in the store.
	if len(items) > bankPickWindow {
		items = items[:bankPickWindow]
	}
	item := items[m.rnd.Intn(len(items))]
	question := &domain.RoundQuestion{
		BankItemID:    item.ID,
		Prompt:        item.QuestionText,
		Options:       item.Options,
		CorrectAnswer: item.CorrectAnswer,
		Explanation:   item.Explanation,
		PointsCorrect: item.PointsCorrect,
		PointsWrong:   -item.PointsIncorrect,
	}
	return m.open(ctx, sessionID, ex, question)
}

const bankPickWindow = 50

// FinishRound closes a graded round: answers are cleared, the blocked
// student and bank question are dropped and the question index advances.
// With next set and questions remaining the round reopens; otherwise the
// session goes idle, which is locked.
func (m *RoundMachine) FinishRound(ctx context.Context, sessionID string, next bool) (domain.ClassSession, error) {
	current, err := m.gw.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ClassSession{}, err
	}
	idx := current.CurrentQuestionIndex + 1
	reopen := next && (len(current.QuestionPoints) == 0 || idx < len(current.QuestionPoints))

	locked := !reopen
	phase := domain.PhaseIdle
	if reopen {
		phase = domain.PhaseOpen
	}
	none := ""
	stats := domain.QuizStats{}
	patch := domain.SessionPatch{
		IsQuizLocked:         &locked,
		BlockedStudentID:     &none,
		QuizStats:            &stats,
		CurrentQuestionIndex: &idx,
		Phase:                &phase,
		ClearActiveQuestion:  true,
	}
	session, err := m.gw.ResetRound(ctx, sessionID, patch)
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("finish round: %w", err)
	}
	metrics.RoundTransitions.WithLabelValues(string(phase)).Inc()
	m.logger.Info("round finished", zap.String("session", sessionID), zap.Int("next_question", idx), zap.String("phase", string(phase)))
	return session, nil
}

// SetQuestionPoints configures per-question points and restarts at question 0.
func (m *RoundMachine) SetQuestionPoints(ctx context.Context, sessionID string, correct, wrong []int) (domain.ClassSession, error) {
	zero := 0
	correct = append([]int{}, correct...)
	wrong = append([]int{}, wrong...)
	return m.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{
		QuestionPoints:       &correct,
		WrongPoints:          &wrong,
		CurrentQuestionIndex: &zero,
	})
}

// PointsFor resolves the correct/wrong deltas for the session's current round.
// A bank question wins; otherwise the per-index arrays with defaults of 10 and 0.
func PointsFor(s domain.ClassSession) (correct, wrong int) {
	if q := s.ActiveQuestion; q != nil {
		return q.PointsCorrect, q.PointsWrong
	}
	correct, wrong = DefaultCorrectPoints, 0
	idx := s.CurrentQuestionIndex
	if idx >= 0 && idx < len(s.QuestionPoints) {
		correct = s.QuestionPoints[idx]
	}
	if idx >= 0 && idx < len(s.WrongPoints) {
		wrong = s.WrongPoints[idx]
	}
	return correct, wrong
}

// DefaultCorrectPoints applies when no per-question value is configured.
const DefaultCorrectPoints = 10
