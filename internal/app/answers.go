package app

import (
	"context"
	"errors"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/metrics"
	"go.uber.org/zap"
)

// AnswerCollector accepts at most one answer per student per round.
type AnswerCollector struct {
	gw     Gateway
	logger *zap.Logger
}

// Submit records a student's own answer. The lock and blocked checks are
// made against the server row at call time, and again by the store as part
// of the write, so a lock that commits first always wins.
func (c *AnswerCollector) Submit(ctx context.Context, sessionID, studentID string, choice domain.Choice) (domain.Answer, error) {
	if !choice.Valid() {
		metrics.AnswerSubmissions.WithLabelValues("invalid").Inc()
		return domain.Answer{}, domain.ErrInvalidChoice
	}
	if err := c.checkOpen(ctx, sessionID, studentID); err != nil {
		metrics.AnswerSubmissions.WithLabelValues(resultLabel(err)).Inc()
		return domain.Answer{}, err
	}
	answer, err := c.gw.UpsertAnswer(ctx, sessionID, studentID, choice, domain.StudentGuard)
	metrics.AnswerSubmissions.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		return domain.Answer{}, err
	}
	c.logger.Debug("answer recorded", zap.String("session", sessionID), zap.String("student", studentID), zap.String("choice", string(choice)))
	return answer, nil
}

// SubmitAsTeacher records an answer on a student's behalf, bypassing the
// lock and blocked checks.
func (c *AnswerCollector) SubmitAsTeacher(ctx context.Context, sessionID, studentID string, choice domain.Choice) (domain.Answer, error) {
	if !choice.Valid() {
		return domain.Answer{}, domain.ErrInvalidChoice
	}
	answer, err := c.gw.UpsertAnswer(ctx, sessionID, studentID, choice, domain.TeacherOverride)
	metrics.AnswerSubmissions.WithLabelValues("override").Inc()
	return answer, err
}

// Clear removes the student's answer; same preconditions as Submit.
func (c *AnswerCollector) Clear(ctx context.Context, sessionID, studentID string) error {
	if err := c.checkOpen(ctx, sessionID, studentID); err != nil {
		return err
	}
	return c.gw.DeleteAnswer(ctx, sessionID, studentID, domain.StudentGuard)
}

func (c *AnswerCollector) checkOpen(ctx context.Context, sessionID, studentID string) error {
	session, err := c.gw.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.IsQuizLocked {
		return domain.ErrLocked
	}
	if session.IsBlocked(studentID) {
		return domain.ErrBlockedStudent
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrLocked):
		return "locked"
	case errors.Is(err, domain.ErrBlockedStudent):
		return "blocked"
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrStudentNotFound):
		return "not_found"
	default:
		return "error"
	}
}
