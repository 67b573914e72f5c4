package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is an in-memory implementation of app.Gateway. A single mutex
// covers every table, so each method is one critical section and changes
// are published in commit order.
type Store struct {
	pub    app.ChangePublisher
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	sessions   map[string]*domain.ClassSession
	codes      map[string]string
	rosters    map[string]*roster
	answers    map[string]map[string]domain.Answer
	activities map[string][]domain.Activity
}

type roster struct {
	order []string
	byID  map[string]*domain.Student
}

var _ app.Gateway = (*Store)(nil)

// NewStore builds a store that publishes to pub. pub may be nil.
func NewStore(pub app.ChangePublisher, logger *zap.Logger) *Store {
	return NewStoreWithClock(pub, logger, time.Now)
}

// NewStoreWithClock is test-only for deterministic timestamps.
func NewStoreWithClock(pub app.ChangePublisher, logger *zap.Logger, now func() time.Time) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pub:        pub,
		logger:     logger,
		now:        now,
		sessions:   make(map[string]*domain.ClassSession),
		codes:      make(map[string]string),
		rosters:    make(map[string]*roster),
		answers:    make(map[string]map[string]domain.Answer),
		activities: make(map[string][]domain.Activity),
	}
}

func (s *Store) CreateSession(ctx context.Context, name string) (domain.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := domain.NewClassCode()
	for s.codes[code] != "" {
		code = domain.NewClassCode()
	}
	now := s.now()
	session := &domain.ClassSession{
		ID:             uuid.NewString(),
		ClassCode:      code,
		Name:           name,
		IsQuizLocked:   true,
		Phase:          domain.PhaseIdle,
		QuestionPoints: []int{},
		WrongPoints:    []int{},
		RandomQueue:    []string{},
		CalledStudents: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.sessions[session.ID] = session
	s.codes[code] = session.ID
	s.rosters[session.ID] = &roster{byID: make(map[string]*domain.Student)}
	s.answers[session.ID] = make(map[string]domain.Answer)

	out := cloneSession(*session)
	change := domain.SessionChanged(out, now)
	change.Op = domain.OpInsert
	s.publish(ctx, change)
	return out, nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (domain.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ClassSession{}, domain.ErrSessionNotFound
	}
	return cloneSession(*session), nil
}

func (s *Store) GetSessionByCode(ctx context.Context, classCode string) (domain.ClassSession, error) {
	s.mu.Lock()
	id, ok := s.codes[classCode]
	s.mu.Unlock()
	if !ok {
		return domain.ClassSession{}, domain.ErrSessionNotFound
	}
	return s.GetSession(ctx, id)
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ClassSession{}, domain.ErrSessionNotFound
	}
	return s.patchLocked(ctx, session, patch), nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	delete(s.codes, session.ClassCode)
	delete(s.sessions, sessionID)
	delete(s.rosters, sessionID)
	delete(s.answers, sessionID)
	delete(s.activities, sessionID)
	s.publish(ctx, domain.Change{Table: domain.TableSessions, Op: domain.OpDelete, SessionID: sessionID, At: s.now()})
	return nil
}

func (s *Store) ResetRound(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ClassSession{}, domain.ErrSessionNotFound
	}
	s.clearAnswersLocked(ctx, sessionID)
	stats := domain.QuizStats{}
	patch.QuizStats = &stats
	return s.patchLocked(ctx, session, patch), nil
}

func (s *Store) DeleteAnswers(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.clearAnswersLocked(ctx, sessionID)
	stats := domain.QuizStats{}
	s.patchLocked(ctx, session, domain.SessionPatch{QuizStats: &stats})
	return nil
}

func (s *Store) UpsertAnswer(ctx context.Context, sessionID, studentID string, choice domain.Choice, guard domain.AnswerGuard) (domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.guardLocked(sessionID, studentID, guard)
	if err != nil {
		return domain.Answer{}, err
	}

	op := domain.OpInsert
	if _, exists := s.answers[sessionID][studentID]; exists {
		op = domain.OpUpdate
	}
	now := s.now()
	answer := domain.Answer{SessionID: sessionID, StudentID: studentID, SelectedAnswer: choice, Timestamp: now}
	s.answers[sessionID][studentID] = answer
	s.publish(ctx, domain.AnswerChanged(op, answer, now))
	s.refreshStatsLocked(ctx, session)
	return answer, nil
}

func (s *Store) DeleteAnswer(ctx context.Context, sessionID, studentID string, guard domain.AnswerGuard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.guardLocked(sessionID, studentID, guard)
	if err != nil {
		return err
	}
	answer, exists := s.answers[sessionID][studentID]
	if !exists {
		return nil
	}
	delete(s.answers[sessionID], studentID)
	s.publish(ctx, domain.AnswerChanged(domain.OpDelete, answer, s.now()))
	s.refreshStatsLocked(ctx, session)
	return nil
}

func (s *Store) ListAnswers(_ context.Context, sessionID string) ([]domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s.answerListLocked(sessionID), nil
}

func (s *Store) AddStudent(ctx context.Context, sessionID, name, studentCode string) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[sessionID]
	if !ok {
		return domain.Student{}, domain.ErrSessionNotFound
	}
	if studentCode == "" {
		studentCode = nextStudentCode(r)
	}
	for _, st := range r.byID {
		if st.StudentCode == studentCode {
			return domain.Student{}, domain.ErrDuplicateStudentCode
		}
	}
	now := s.now()
	student := &domain.Student{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Name:        name,
		StudentCode: studentCode,
		JoinedAt:    now,
		UpdatedAt:   now,
	}
	r.byID[student.ID] = student
	r.order = append(r.order, student.ID)
	s.publish(ctx, domain.StudentChanged(domain.OpInsert, *student, now))
	return *student, nil
}

func (s *Store) GetStudent(_ context.Context, sessionID, studentID string) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.studentLocked(sessionID, studentID)
	if err != nil {
		return domain.Student{}, err
	}
	return *st, nil
}

func (s *Store) GetStudentByCode(_ context.Context, sessionID, studentCode string) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[sessionID]
	if !ok {
		return domain.Student{}, domain.ErrSessionNotFound
	}
	for _, st := range r.byID {
		if st.StudentCode == studentCode {
			return *st, nil
		}
	}
	return domain.Student{}, domain.ErrStudentNotFound
}

// ListStudents returns the roster in join order.
func (s *Store) ListStudents(_ context.Context, sessionID string) ([]domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	out := make([]domain.Student, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out, nil
}

func (s *Store) UpdateStudentScore(ctx context.Context, sessionID, studentID string, newScore int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.studentLocked(sessionID, studentID)
	if err != nil {
		return 0, err
	}
	previous := st.Score
	st.Score = newScore
	st.UpdatedAt = s.now()
	s.publish(ctx, domain.StudentChanged(domain.OpUpdate, *st, st.UpdatedAt))
	return previous, nil
}

func (s *Store) AddStudentScore(ctx context.Context, sessionID, studentID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.studentLocked(sessionID, studentID)
	if err != nil {
		return 0, err
	}
	st.Score += delta
	st.UpdatedAt = s.now()
	s.publish(ctx, domain.StudentChanged(domain.OpUpdate, *st, st.UpdatedAt))
	return st.Score, nil
}

func (s *Store) ResetScores(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	now := s.now()
	for _, id := range r.order {
		st := r.byID[id]
		if st.Score == 0 {
			continue
		}
		st.Score = 0
		st.UpdatedAt = now
		s.publish(ctx, domain.StudentChanged(domain.OpUpdate, *st, now))
	}
	return nil
}

func (s *Store) SetCalled(ctx context.Context, sessionID, studentID string, called bool) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.studentLocked(sessionID, studentID)
	if err != nil {
		return domain.Student{}, err
	}
	st.IsCalled = called
	st.UpdatedAt = s.now()
	s.publish(ctx, domain.StudentChanged(domain.OpUpdate, *st, st.UpdatedAt))
	return *st, nil
}

func (s *Store) ResetCalled(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rosters[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	now := s.now()
	for _, id := range r.order {
		st := r.byID[id]
		if !st.IsCalled {
			continue
		}
		st.IsCalled = false
		st.UpdatedAt = now
		s.publish(ctx, domain.StudentChanged(domain.OpUpdate, *st, now))
	}
	return nil
}

func (s *Store) RecordActivity(_ context.Context, activity domain.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[activity.SessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	s.activities[activity.SessionID] = append(s.activities[activity.SessionID], activity)
	return nil
}

// ListActivities returns up to limit entries, newest first.
func (s *Store) ListActivities(_ context.Context, sessionID string, limit int) ([]domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	all := s.activities[sessionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]domain.Activity, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) guardLocked(sessionID, studentID string, guard domain.AnswerGuard) (*domain.ClassSession, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if _, err := s.studentLocked(sessionID, studentID); err != nil {
		return nil, err
	}
	if guard.RequireUnlocked && session.IsQuizLocked {
		return nil, domain.ErrLocked
	}
	if guard.RejectBlocked && session.IsBlocked(studentID) {
		return nil, domain.ErrBlockedStudent
	}
	return session, nil
}

func (s *Store) studentLocked(sessionID, studentID string) (*domain.Student, error) {
	r, ok := s.rosters[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	st, ok := r.byID[studentID]
	if !ok {
		return nil, domain.ErrStudentNotFound
	}
	return st, nil
}

func (s *Store) clearAnswersLocked(ctx context.Context, sessionID string) {
	s.answers[sessionID] = make(map[string]domain.Answer)
	s.publish(ctx, domain.AnswersCleared(sessionID, s.now()))
}

func (s *Store) refreshStatsLocked(ctx context.Context, session *domain.ClassSession) {
	stats := domain.StatsFor(s.answerListLocked(session.ID))
	s.patchLocked(ctx, session, domain.SessionPatch{QuizStats: &stats})
}

func (s *Store) patchLocked(ctx context.Context, session *domain.ClassSession, patch domain.SessionPatch) domain.ClassSession {
	updated := patch.Apply(*session)
	updated.UpdatedAt = s.now()
	*session = updated
	out := cloneSession(updated)
	s.publish(ctx, domain.SessionChanged(out, updated.UpdatedAt))
	return out
}

func (s *Store) answerListLocked(sessionID string) []domain.Answer {
	out := make([]domain.Answer, 0, len(s.answers[sessionID]))
	for _, a := range s.answers[sessionID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out
}

func (s *Store) publish(ctx context.Context, change domain.Change) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, change); err != nil {
		s.logger.Warn("publish change failed",
			zap.String("session", change.SessionID),
			zap.String("table", string(change.Table)),
			zap.Error(err))
	}
}

func nextStudentCode(r *roster) string {
	used := make(map[string]struct{}, len(r.byID))
	for _, st := range r.byID {
		used[st.StudentCode] = struct{}{}
	}
	for n := len(r.order) + 1; ; n++ {
		code := fmt.Sprintf("S%03d", n)
		if _, taken := used[code]; !taken {
			return code
		}
	}
}

func cloneSession(s domain.ClassSession) domain.ClassSession {
	if s.BlockedStudentID != nil {
		id := *s.BlockedStudentID
		s.BlockedStudentID = &id
	}
	if s.ActiveQuestion != nil {
		q := *s.ActiveQuestion
		s.ActiveQuestion = &q
	}
	s.QuestionPoints = append([]int{}, s.QuestionPoints...)
	s.WrongPoints = append([]int{}, s.WrongPoints...)
	s.RandomQueue = append([]string{}, s.RandomQueue...)
	s.CalledStudents = append([]string{}, s.CalledStudents...)
	return s
}
