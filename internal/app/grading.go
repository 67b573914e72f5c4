package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/metrics"
	"classroom-quiz-service/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Grader computes score deltas and applies them with atomic increments.
// Wrong points are signed and added as-is; the grader never flips a sign.
// Students without an answer row are left untouched.
type Grader struct {
	gw          Gateway
	answers     *AnswerCollector
	logger      *zap.Logger
	now         func() time.Time
	concurrency int
	locks       *sessionLocks
}

// SetScoreResult reports an absolute score write.
type SetScoreResult struct {
	Update    domain.ScoreUpdate `json:"update"`
	Previous  int                `json:"previous"`
	Overwrote bool               `json:"overwrote"`
}

// GradeRound applies pointsCorrect to every answer matching correct and
// pointsWrong to every other answer. The blocked student's row is skipped;
// that student is graded through GradeBlockedStudent. A round grades once:
// a second call before FinishRound fails with ErrRoundNotGradable. When an
// increment fails midway the updates already committed are returned with
// the error and the round stays ungraded.
func (g *Grader) GradeRound(ctx context.Context, sessionID string, correct domain.Choice, pointsCorrect, pointsWrong int) ([]domain.ScoreUpdate, error) {
	if !correct.Valid() {
		return nil, domain.ErrInvalidChoice
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()

	start := g.now()
	session, err := g.gw.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Phase == domain.PhaseGraded {
		return nil, domain.ErrRoundNotGradable
	}
	answers, err := g.gw.ListAnswers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	graded := make([]domain.Answer, 0, len(answers))
	for _, a := range answers {
		if session.IsBlocked(a.StudentID) {
			continue
		}
		graded = append(graded, a)
	}

	updates := make([]domain.ScoreUpdate, len(graded))
	applied := make([]bool, len(graded))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, a := range graded {
		i, a := i, a
		eg.Go(func() error {
			isCorrect := a.SelectedAnswer == correct
			delta := pointsWrong
			if isCorrect {
				delta = pointsCorrect
			}
			desc := fmt.Sprintf("Question %d: answered %s, correct %s", session.CurrentQuestionIndex+1, a.SelectedAnswer, correct)
			update, err := g.apply(egCtx, sessionID, a.StudentID, delta, domain.ActivityGrade, desc)
			if err != nil {
				return err
			}
			update.Correct = isCorrect
			updates[i] = update
			applied[i] = true
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		partial := make([]domain.ScoreUpdate, 0, len(updates))
		ids := make([]string, 0, len(updates))
		for i, ok := range applied {
			if ok {
				partial = append(partial, updates[i])
				ids = append(ids, updates[i].StudentID)
			}
		}
		g.logger.Error("grading interrupted",
			zap.String("session", sessionID),
			zap.Strings("applied", ids),
			zap.Error(err))
		observability.CaptureErr(err)
		return partial, fmt.Errorf("grade round: %w", err)
	}

	phase := domain.PhaseGraded
	if _, err := g.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{Phase: &phase}); err != nil {
		return updates, fmt.Errorf("mark graded: %w", err)
	}
	metrics.RoundTransitions.WithLabelValues(string(domain.PhaseGraded)).Inc()
	metrics.GradeDuration.Observe(time.Since(start).Seconds())
	g.logger.Info("round graded",
		zap.String("session", sessionID),
		zap.String("correct", string(correct)),
		zap.Int("graded", len(updates)),
		zap.Int("points_correct", pointsCorrect),
		zap.Int("points_wrong", pointsWrong))
	return updates, nil
}

// GradeCurrent grades with the points configured for the current question.
func (g *Grader) GradeCurrent(ctx context.Context, sessionID string, correct domain.Choice) ([]domain.ScoreUpdate, error) {
	session, err := g.gw.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pc, pw := PointsFor(session)
	return g.GradeRound(ctx, sessionID, correct, pc, pw)
}

// GradeBlockedStudent records the teacher's pick for the called student and
// grades that student alone.
func (g *Grader) GradeBlockedStudent(ctx context.Context, sessionID, blockedID string, selected, correct domain.Choice, pointsCorrect, pointsWrong int) (domain.ScoreUpdate, error) {
	if !correct.Valid() {
		return domain.ScoreUpdate{}, domain.ErrInvalidChoice
	}
	if _, err := g.answers.SubmitAsTeacher(ctx, sessionID, blockedID, selected); err != nil {
		return domain.ScoreUpdate{}, err
	}
	isCorrect := selected == correct
	delta := pointsWrong
	if isCorrect {
		delta = pointsCorrect
	}
	update, err := g.apply(ctx, sessionID, blockedID, delta, domain.ActivityGrade,
		fmt.Sprintf("Called student answered %s, correct %s", selected, correct))
	if err != nil {
		return domain.ScoreUpdate{}, err
	}
	update.Correct = isCorrect
	return update, nil
}

// AwardPoints adjusts one student's score by delta.
func (g *Grader) AwardPoints(ctx context.Context, sessionID, studentID string, delta int, reason string) (domain.ScoreUpdate, error) {
	kind := domain.ActivityAward
	if delta < 0 {
		kind = domain.ActivityPenalty
	}
	if reason == "" {
		reason = "Manual adjustment"
	}
	return g.apply(ctx, sessionID, studentID, delta, kind, reason)
}

// AwardPointsByCode adjusts the score of the student with the given roster code.
func (g *Grader) AwardPointsByCode(ctx context.Context, sessionID, studentCode string, delta int, reason string) (domain.ScoreUpdate, error) {
	student, err := g.gw.GetStudentByCode(ctx, sessionID, studentCode)
	if err != nil {
		return domain.ScoreUpdate{}, err
	}
	return g.AwardPoints(ctx, sessionID, student.ID, delta, reason)
}

// SetScore writes an absolute score. observed is the score the caller last
// saw; when the store held something else, the concurrent change is lost
// and a ConcurrencyLossWarning is logged and reported.
func (g *Grader) SetScore(ctx context.Context, sessionID, studentID string, observed, newScore int) (SetScoreResult, error) {
	previous, err := g.gw.UpdateStudentScore(ctx, sessionID, studentID, newScore)
	if err != nil {
		return SetScoreResult{}, err
	}
	res := SetScoreResult{
		Update:   domain.ScoreUpdate{StudentID: studentID, Delta: newScore - previous, NewScore: newScore},
		Previous: previous,
	}
	if previous != observed {
		res.Overwrote = true
		warning := &domain.ConcurrencyLossWarning{
			SessionID: sessionID, StudentID: studentID,
			Observed: observed, Actual: previous, Written: newScore,
		}
		metrics.ConcurrencyLoss.Inc()
		observability.CaptureErr(warning)
		g.logger.Warn("score overwrite lost a concurrent change", zap.Error(warning))
	}
	g.record(ctx, sessionID, studentID, res.Update.Delta, domain.ActivitySet, fmt.Sprintf("Score set to %d", newScore))
	return res, nil
}

// ResetScores sets every score in the session to zero.
func (g *Grader) ResetScores(ctx context.Context, sessionID string) error {
	if err := g.gw.ResetScores(ctx, sessionID); err != nil {
		return fmt.Errorf("reset scores: %w", err)
	}
	g.record(ctx, sessionID, "", 0, domain.ActivityReset, "All scores reset")
	g.logger.Info("scores reset", zap.String("session", sessionID))
	return nil
}

// Leaderboard returns students ordered by score.
func (g *Grader) Leaderboard(ctx context.Context, sessionID string) (domain.Leaderboard, error) {
	students, err := g.gw.ListStudents(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, err
	}

	// Tie-break by who reached the score earlier, then name.
	sort.SliceStable(students, func(i, j int) bool {
		if students[i].Score != students[j].Score {
			return students[i].Score > students[j].Score
		}
		if !students[i].UpdatedAt.Equal(students[j].UpdatedAt) {
			return students[i].UpdatedAt.Before(students[j].UpdatedAt)
		}
		return students[i].Name < students[j].Name
	})

	entries := make([]domain.LeaderboardEntry, 0, len(students))
	for _, s := range students {
		entries = append(entries, domain.LeaderboardEntry{
			StudentID:   s.ID,
			Name:        s.Name,
			StudentCode: s.StudentCode,
			Score:       s.Score,
		})
	}
	return domain.Leaderboard{SessionID: sessionID, Entries: entries, UpdatedAt: g.now()}, nil
}

func (g *Grader) apply(ctx context.Context, sessionID, studentID string, delta int, kind domain.ActivityKind, desc string) (domain.ScoreUpdate, error) {
	newScore, err := g.gw.AddStudentScore(ctx, sessionID, studentID, delta)
	if err != nil {
		if !errors.Is(err, domain.ErrStudentNotFound) {
			observability.CaptureErr(err)
		}
		return domain.ScoreUpdate{}, err
	}
	metrics.ScoreDeltas.WithLabelValues(string(kind)).Inc()
	g.record(ctx, sessionID, studentID, delta, kind, desc)
	return domain.ScoreUpdate{StudentID: studentID, Delta: delta, NewScore: newScore}, nil
}

// record is best effort: the score change already committed.
func (g *Grader) record(ctx context.Context, sessionID, studentID string, delta int, kind domain.ActivityKind, desc string) {
	err := g.gw.RecordActivity(ctx, domain.Activity{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		StudentID:   studentID,
		Kind:        kind,
		Points:      delta,
		Description: desc,
		CreatedAt:   g.now(),
	})
	if err != nil {
		g.logger.Warn("record activity failed", zap.String("session", sessionID), zap.String("student", studentID), zap.Error(err))
	}
}
