package app

import (
	"context"
	"fmt"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/metrics"
	"go.uber.org/zap"
)

// Picker calls on students uniformly at random, each at most once per cycle.
type Picker struct {
	gw     Gateway
	rnd    *lockedRand
	locks  *sessionLocks
	logger *zap.Logger
}

// Shuffle persists a fresh random order of the uncalled students.
func (p *Picker) Shuffle(ctx context.Context, sessionID string) ([]string, error) {
	unlock := p.locks.lock(sessionID)
	defer unlock()

	uncalled, err := p.uncalled(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	queue := ids(uncalled)
	p.rnd.Shuffle(queue)
	if _, err := p.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{RandomQueue: &queue}); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	return queue, nil
}

// CallNext picks one uncalled student at random and marks them called.
// It returns nil when every student has been called in this cycle.
func (p *Picker) CallNext(ctx context.Context, sessionID string) (*domain.Student, error) {
	unlock := p.locks.lock(sessionID)
	defer unlock()

	session, err := p.gw.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	uncalled, err := p.uncalled(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(uncalled) == 0 {
		p.logger.Info("call queue exhausted", zap.String("session", sessionID))
		return nil, nil
	}

	pick := uncalled[p.rnd.Intn(len(uncalled))]
	called, err := p.gw.SetCalled(ctx, sessionID, pick.ID, true)
	if err != nil {
		return nil, fmt.Errorf("mark called: %w", err)
	}

	calledIDs := append(append([]string(nil), session.CalledStudents...), pick.ID)
	queue := make([]string, 0, len(session.RandomQueue))
	for _, id := range session.RandomQueue {
		if id != pick.ID {
			queue = append(queue, id)
		}
	}
	if _, err := p.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{
		RandomQueue:    &queue,
		CalledStudents: &calledIDs,
	}); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}

	metrics.StudentsCalled.Inc()
	p.logger.Info("student called", zap.String("session", sessionID), zap.String("student", pick.ID), zap.Int("remaining", len(uncalled)-1))
	return &called, nil
}

// Reset starts a new cycle: nobody is called and the whole roster is reshuffled.
func (p *Picker) Reset(ctx context.Context, sessionID string) ([]string, error) {
	unlock := p.locks.lock(sessionID)
	defer unlock()

	if err := p.gw.ResetCalled(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("reset called: %w", err)
	}
	students, err := p.gw.ListStudents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	queue := ids(students)
	p.rnd.Shuffle(queue)
	called := []string{}
	if _, err := p.gw.UpdateSession(ctx, sessionID, domain.SessionPatch{
		RandomQueue:    &queue,
		CalledStudents: &called,
	}); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	p.logger.Info("call queue reset", zap.String("session", sessionID), zap.Int("students", len(queue)))
	return queue, nil
}

func (p *Picker) uncalled(ctx context.Context, sessionID string) ([]domain.Student, error) {
	students, err := p.gw.ListStudents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := students[:0]
	for _, s := range students {
		if !s.IsCalled {
			out = append(out, s)
		}
	}
	return out, nil
}

func ids(students []domain.Student) []string {
	out := make([]string, len(students))
	for i, s := range students {
		out[i] = s.ID
	}
	return out
}
