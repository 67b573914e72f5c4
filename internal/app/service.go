package app

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/logging"
	"go.uber.org/zap"
)

// ClassroomService is the facade the transport and CLI layers talk to.
// It owns no state of its own; the gateway row is the source of truth.
type ClassroomService struct {
	gw     Gateway
	feed   ChangeFeed
	logger *zap.Logger

	round   *RoundMachine
	answers *AnswerCollector
	grader  *Grader
	picker  *Picker
}

// Option configures a ClassroomService.
type Option func(*options)

type options struct {
	rnd              *rand.Rand
	gradeConcurrency int
	now              func() time.Time
}

// WithRand injects the random source used by the picker and the bank pick.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rnd = r }
}

// WithSeed is shorthand for WithRand(rand.New(rand.NewSource(seed))).
func WithSeed(seed int64) Option {
	return WithRand(rand.New(rand.NewSource(seed)))
}

// WithGradeConcurrency bounds parallel score writes while grading.
func WithGradeConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.gradeConcurrency = n
		}
	}
}

// WithClock overrides time.Now for activity and leaderboard timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewClassroomService wires the round machine, collector, grader and picker
// over one gateway. bank may be nil when no quiz bank is configured.
func NewClassroomService(gw Gateway, bank QuizBankRepository, feed ChangeFeed, logger *zap.Logger, opts ...Option) *ClassroomService {
	o := options{gradeConcurrency: 8, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rnd == nil {
		o.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	logger = logging.OrNop(logger)
	rnd := &lockedRand{rnd: o.rnd}

	answers := &AnswerCollector{gw: gw, logger: logger.Named("answers")}
	return &ClassroomService{
		gw:      gw,
		feed:    feed,
		logger:  logger,
		round:   &RoundMachine{gw: gw, bank: bank, rnd: rnd, logger: logger.Named("round")},
		answers: answers,
		grader: &Grader{
			gw:          gw,
			answers:     answers,
			logger:      logger.Named("grading"),
			now:         o.now,
			concurrency: o.gradeConcurrency,
			locks:       newSessionLocks(),
		},
		picker: &Picker{gw: gw, rnd: rnd, locks: newSessionLocks(), logger: logger.Named("picker")},
	}
}

// CreateSession starts a new class session with a fresh join code.
func (s *ClassroomService) CreateSession(ctx context.Context, name string) (domain.ClassSession, error) {
	session, err := s.gw.CreateSession(ctx, strings.TrimSpace(name))
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created", zap.String("session", session.ID), zap.String("code", session.ClassCode))
	return session, nil
}

func (s *ClassroomService) GetSession(ctx context.Context, sessionID string) (domain.ClassSession, error) {
	return s.gw.GetSession(ctx, sessionID)
}

// GetSessionByCode looks a session up by its join code, case-insensitively.
func (s *ClassroomService) GetSessionByCode(ctx context.Context, code string) (domain.ClassSession, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !domain.ValidClassCode(code) {
		return domain.ClassSession{}, domain.ErrSessionNotFound
	}
	return s.gw.GetSessionByCode(ctx, code)
}

func (s *ClassroomService) DeleteSession(ctx context.Context, sessionID string) error {
	return s.gw.DeleteSession(ctx, sessionID)
}

// AddStudent puts a student on the roster. Codes are unique per session.
func (s *ClassroomService) AddStudent(ctx context.Context, sessionID, name, studentCode string) (domain.Student, error) {
	name = strings.TrimSpace(name)
	studentCode = strings.TrimSpace(studentCode)
	if name == "" {
		return domain.Student{}, fmt.Errorf("student name required: %w", domain.ErrInvalidInput)
	}
	return s.gw.AddStudent(ctx, sessionID, name, studentCode)
}

func (s *ClassroomService) GetStudent(ctx context.Context, sessionID, studentID string) (domain.Student, error) {
	return s.gw.GetStudent(ctx, sessionID, studentID)
}

func (s *ClassroomService) ListStudents(ctx context.Context, sessionID string) ([]domain.Student, error) {
	return s.gw.ListStudents(ctx, sessionID)
}

// Snapshot returns the session row with its roster and current answers.
func (s *ClassroomService) Snapshot(ctx context.Context, sessionID string) (domain.Snapshot, error) {
	session, err := s.gw.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	students, err := s.gw.ListStudents(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	answers, err := s.gw.ListAnswers(ctx, sessionID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{Session: session, Students: students, Answers: answers}, nil
}

// Subscribe returns a channel of committed changes for a session.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *ClassroomService) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Change, func(), error) {
	if _, err := s.gw.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	return s.feed.Subscribe(ctx, sessionID)
}

func (s *ClassroomService) OpenRound(ctx context.Context, sessionID string, ex Exclusion) (domain.ClassSession, error) {
	return s.round.OpenForEveryone(ctx, sessionID, ex)
}

func (s *ClassroomService) StartRoundFromBank(ctx context.Context, sessionID, tag string, ex Exclusion) (domain.ClassSession, error) {
	return s.round.StartFromBank(ctx, sessionID, tag, ex)
}

func (s *ClassroomService) LockRound(ctx context.Context, sessionID string) (domain.ClassSession, error) {
	return s.round.Lock(ctx, sessionID)
}

func (s *ClassroomService) ClearBlockedStudent(ctx context.Context, sessionID string) (domain.ClassSession, error) {
	return s.round.ClearBlockedStudent(ctx, sessionID)
}

func (s *ClassroomService) FinishRound(ctx context.Context, sessionID string, next bool) (domain.ClassSession, error) {
	return s.round.FinishRound(ctx, sessionID, next)
}

func (s *ClassroomService) SetQuestionPoints(ctx context.Context, sessionID string, correct, wrong []int) (domain.ClassSession, error) {
	return s.round.SetQuestionPoints(ctx, sessionID, correct, wrong)
}

func (s *ClassroomService) SubmitAnswer(ctx context.Context, sessionID, studentID string, choice domain.Choice) (domain.Answer, error) {
	return s.answers.Submit(ctx, sessionID, studentID, choice)
}

func (s *ClassroomService) SubmitAnswerAsTeacher(ctx context.Context, sessionID, studentID string, choice domain.Choice) (domain.Answer, error) {
	return s.answers.SubmitAsTeacher(ctx, sessionID, studentID, choice)
}

func (s *ClassroomService) ClearAnswer(ctx context.Context, sessionID, studentID string) error {
	return s.answers.Clear(ctx, sessionID, studentID)
}

func (s *ClassroomService) GradeRound(ctx context.Context, sessionID string, correct domain.Choice, pointsCorrect, pointsWrong int) ([]domain.ScoreUpdate, error) {
	return s.grader.GradeRound(ctx, sessionID, correct, pointsCorrect, pointsWrong)
}

func (s *ClassroomService) GradeCurrent(ctx context.Context, sessionID string, correct domain.Choice) ([]domain.ScoreUpdate, error) {
	return s.grader.GradeCurrent(ctx, sessionID, correct)
}

func (s *ClassroomService) GradeBlockedStudent(ctx context.Context, sessionID, blockedID string, selected, correct domain.Choice, pointsCorrect, pointsWrong int) (domain.ScoreUpdate, error) {
	return s.grader.GradeBlockedStudent(ctx, sessionID, blockedID, selected, correct, pointsCorrect, pointsWrong)
}

func (s *ClassroomService) AwardPoints(ctx context.Context, sessionID, studentID string, delta int, reason string) (domain.ScoreUpdate, error) {
	return s.grader.AwardPoints(ctx, sessionID, studentID, delta, reason)
}

func (s *ClassroomService) AwardPointsByCode(ctx context.Context, sessionID, studentCode string, delta int, reason string) (domain.ScoreUpdate, error) {
	return s.grader.AwardPointsByCode(ctx, sessionID, studentCode, delta, reason)
}

func (s *ClassroomService) SetScore(ctx context.Context, sessionID, studentID string, observed, newScore int) (SetScoreResult, error) {
	return s.grader.SetScore(ctx, sessionID, studentID, observed, newScore)
}

func (s *ClassroomService) ResetScores(ctx context.Context, sessionID string) error {
	return s.grader.ResetScores(ctx, sessionID)
}

func (s *ClassroomService) Leaderboard(ctx context.Context, sessionID string) (domain.Leaderboard, error) {
	return s.grader.Leaderboard(ctx, sessionID)
}

// Activities returns the most recent score activity, newest first.
func (s *ClassroomService) Activities(ctx context.Context, sessionID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 || limit > maxActivities {
		limit = maxActivities
	}
	return s.gw.ListActivities(ctx, sessionID, limit)
}

const maxActivities = 100

func (s *ClassroomService) CallNextStudent(ctx context.Context, sessionID string) (*domain.Student, error) {
	return s.picker.CallNext(ctx, sessionID)
}

func (s *ClassroomService) ShuffleQueue(ctx context.Context, sessionID string) ([]string, error) {
	return s.picker.Shuffle(ctx, sessionID)
}

func (s *ClassroomService) ResetQueue(ctx context.Context, sessionID string) ([]string, error) {
	return s.picker.Reset(ctx, sessionID)
}
