package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/ctxutil"
	"classroom-quiz-service/internal/domain"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	createSessionAttempts = 5
)

// Store implements app.Gateway on Postgres via bun. Session-scoped writes
// take a row lock on the class_sessions row, so answer writes and round
// transitions for one session serialize at the database.
type Store struct {
	db     *bun.DB
	pub    app.ChangePublisher
	logger *zap.Logger
	now    func() time.Time
}

var _ app.Gateway = (*Store)(nil)

func NewStore(db *bun.DB, pub app.ChangePublisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, pub: pub, logger: logger, now: time.Now}
}

func (s *Store) CreateSession(ctx context.Context, name string) (domain.ClassSession, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	session := domain.ClassSession{
		ID:             uuid.NewString(),
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
	var err error
	for attempt := 0; attempt < createSessionAttempts; attempt++ {
		session.ClassCode = domain.NewClassCode()
		_, err = s.db.NewInsert().Model(sessionFromDomain(session)).Exec(ctx)
		if err == nil {
			break
		}
		if !isPgError(err, pgUniqueViolation) {
			return domain.ClassSession{}, fmt.Errorf("insert session: %w", err)
		}
	}
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("allocate class code: %w", err)
	}
	change := domain.SessionChanged(session, now)
	change.Op = domain.OpInsert
	s.publish(ctx, change)
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (domain.ClassSession, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	return s.selectSession(ctx, s.db, sessionID, false)
}

func (s *Store) GetSessionByCode(ctx context.Context, classCode string) (domain.ClassSession, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	row := new(sessionRow)
	err := s.db.NewSelect().Model(row).Where("class_code = ?", classCode).Scan(ctx)
	if err != nil {
		return domain.ClassSession{}, notFound(err, domain.ErrSessionNotFound)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateSession(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	var updated domain.ClassSession
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		updated, err = s.patchSession(ctx, tx, sessionID, patch)
		return err
	})
	if err != nil {
		return domain.ClassSession{}, err
	}
	s.publish(ctx, domain.SessionChanged(updated, updated.UpdatedAt))
	return updated, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	res, err := s.db.NewDelete().Model((*sessionRow)(nil)).Where("id = ?", sessionID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	s.publish(ctx, domain.Change{Table: domain.TableSessions, Op: domain.OpDelete, SessionID: sessionID, At: s.now().UTC()})
	return nil
}

// ResetRound deletes the round's answers and applies patch in one transaction.
func (s *Store) ResetRound(ctx context.Context, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	stats := domain.QuizStats{}
	patch.QuizStats = &stats
	var updated domain.ClassSession
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.selectSession(ctx, tx, sessionID, true); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*answerRow)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return fmt.Errorf("delete answers: %w", err)
		}
		var err error
		updated, err = s.patchSession(ctx, tx, sessionID, patch)
		return err
	})
	if err != nil {
		return domain.ClassSession{}, err
	}
	s.publish(ctx, domain.AnswersCleared(sessionID, updated.UpdatedAt))
	s.publish(ctx, domain.SessionChanged(updated, updated.UpdatedAt))
	return updated, nil
}

func (s *Store) DeleteAnswers(ctx context.Context, sessionID string) error {
	stats := domain.QuizStats{}
	_, err := s.ResetRound(ctx, sessionID, domain.SessionPatch{QuizStats: &stats})
	return err
}

func (s *Store) UpsertAnswer(ctx context.Context, sessionID, studentID string, choice domain.Choice, guard domain.AnswerGuard) (domain.Answer, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	row := &answerRow{SessionID: sessionID, StudentID: studentID, SelectedAnswer: string(choice), Timestamp: now}
	op := domain.OpInsert
	var session domain.ClassSession
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.checkGuard(ctx, tx, sessionID, studentID, guard); err != nil {
			return err
		}
		exists, err := tx.NewSelect().Model((*answerRow)(nil)).
			Where("session_id = ?", sessionID).Where("student_id = ?", studentID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("check answer: %w", err)
		}
		if exists {
			op = domain.OpUpdate
		}
		_, err = tx.NewInsert().Model(row).
			On("CONFLICT (session_id, student_id) DO UPDATE").
			Set("selected_answer = EXCLUDED.selected_answer").
			Set("timestamp = EXCLUDED.timestamp").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("upsert answer: %w", err)
		}
		session, err = s.refreshStats(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return domain.Answer{}, err
	}
	answer := row.toDomain()
	s.publish(ctx, domain.AnswerChanged(op, answer, now))
	s.publish(ctx, domain.SessionChanged(session, session.UpdatedAt))
	return answer, nil
}

func (s *Store) DeleteAnswer(ctx context.Context, sessionID, studentID string, guard domain.AnswerGuard) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	deleted := new(answerRow)
	var session domain.ClassSession
	var removed bool
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := s.checkGuard(ctx, tx, sessionID, studentID, guard); err != nil {
			return err
		}
		res, err := tx.NewDelete().Model(deleted).
			Where("session_id = ?", sessionID).Where("student_id = ?", studentID).
			Returning("*").Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete answer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		removed = true
		session, err = s.refreshStats(ctx, tx, sessionID)
		return err
	})
	if err != nil || !removed {
		return err
	}
	s.publish(ctx, domain.AnswerChanged(domain.OpDelete, deleted.toDomain(), session.UpdatedAt))
	s.publish(ctx, domain.SessionChanged(session, session.UpdatedAt))
	return nil
}

func (s *Store) ListAnswers(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	var rows []answerRow
	err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).
		Order("timestamp ASC", "student_id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make([]domain.Answer, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) AddStudent(ctx context.Context, sessionID, name, studentCode string) (domain.Student, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	row := &studentRow{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Name:        name,
		StudentCode: studentCode,
		JoinedAt:    now,
		UpdatedAt:   now,
	}
	if row.StudentCode == "" {
		n, err := s.db.NewSelect().Model((*studentRow)(nil)).Where("session_id = ?", sessionID).Count(ctx)
		if err != nil {
			return domain.Student{}, fmt.Errorf("count students: %w", err)
		}
		row.StudentCode = fmt.Sprintf("S%03d", n+1)
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		switch {
		case isPgError(err, pgUniqueViolation):
			return domain.Student{}, domain.ErrDuplicateStudentCode
		case isPgError(err, pgForeignKeyViolation):
			return domain.Student{}, domain.ErrSessionNotFound
		}
		return domain.Student{}, fmt.Errorf("insert student: %w", err)
	}
	student := row.toDomain()
	s.publish(ctx, domain.StudentChanged(domain.OpInsert, student, now))
	return student, nil
}

func (s *Store) GetStudent(ctx context.Context, sessionID, studentID string) (domain.Student, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	row := new(studentRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", studentID).Where("session_id = ?", sessionID).Scan(ctx)
	if err != nil {
		return domain.Student{}, notFound(err, domain.ErrStudentNotFound)
	}
	return row.toDomain(), nil
}

func (s *Store) GetStudentByCode(ctx context.Context, sessionID, studentCode string) (domain.Student, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	row := new(studentRow)
	err := s.db.NewSelect().Model(row).Where("session_id = ?", sessionID).Where("student_code = ?", studentCode).Scan(ctx)
	if err != nil {
		return domain.Student{}, notFound(err, domain.ErrStudentNotFound)
	}
	return row.toDomain(), nil
}

func (s *Store) ListStudents(ctx context.Context, sessionID string) ([]domain.Student, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	var rows []studentRow
	err := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).
		Order("joined_at ASC", "id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return studentsToDomain(rows), nil
}

func (s *Store) UpdateStudentScore(ctx context.Context, sessionID, studentID string, newScore int) (int, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	row := new(studentRow)
	var previous int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(row).Where("id = ?", studentID).Where("session_id = ?", sessionID).
			For("UPDATE").Scan(ctx)
		if err != nil {
			return notFound(err, domain.ErrStudentNotFound)
		}
		previous = row.Score
		row.Score = newScore
		row.UpdatedAt = s.now().UTC()
		_, err = tx.NewUpdate().Model(row).Column("score", "updated_at").WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, domain.StudentChanged(domain.OpUpdate, row.toDomain(), row.UpdatedAt))
	return previous, nil
}

// AddStudentScore is a single UPDATE ... SET score = score + delta.
func (s *Store) AddStudentScore(ctx context.Context, sessionID, studentID string, delta int) (int, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	row := new(studentRow)
	res, err := s.db.NewUpdate().Model(row).
		Set("score = score + ?", delta).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", studentID).Where("session_id = ?", sessionID).
		Returning("*").Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("add score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, domain.ErrStudentNotFound
	}
	s.publish(ctx, domain.StudentChanged(domain.OpUpdate, row.toDomain(), row.UpdatedAt))
	return row.Score, nil
}

func (s *Store) ResetScores(ctx context.Context, sessionID string) error {
	return s.bulkStudentUpdate(ctx, sessionID, "score = 0", "score <> 0")
}

func (s *Store) SetCalled(ctx context.Context, sessionID, studentID string, called bool) (domain.Student, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()

	row := new(studentRow)
	res, err := s.db.NewUpdate().Model(row).
		Set("is_called = ?", called).
		Set("updated_at = ?", s.now().UTC()).
		Where("id = ?", studentID).Where("session_id = ?", sessionID).
		Returning("*").Exec(ctx)
	if err != nil {
		return domain.Student{}, fmt.Errorf("set called: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Student{}, domain.ErrStudentNotFound
	}
	student := row.toDomain()
	s.publish(ctx, domain.StudentChanged(domain.OpUpdate, student, row.UpdatedAt))
	return student, nil
}

func (s *Store) ResetCalled(ctx context.Context, sessionID string) error {
	return s.bulkStudentUpdate(ctx, sessionID, "is_called = false", "is_called")
}

func (s *Store) RecordActivity(ctx context.Context, activity domain.Activity) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	row := &activityRow{
		ID:          activity.ID,
		SessionID:   activity.SessionID,
		Kind:        string(activity.Kind),
		Points:      activity.Points,
		Description: activity.Description,
		CreatedAt:   activity.CreatedAt.UTC(),
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if activity.StudentID != "" {
		id := activity.StudentID
		row.StudentID = &id
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return domain.ErrSessionNotFound
		}
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *Store) ListActivities(ctx context.Context, sessionID string, limit int) ([]domain.Activity, error) {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	var rows []activityRow
	q := s.db.NewSelect().Model(&rows).Where("session_id = ?", sessionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	out := make([]domain.Activity, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) bulkStudentUpdate(ctx context.Context, sessionID, set, filter string) error {
	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}
	var rows []studentRow
	now := s.now().UTC()
	_, err := s.db.NewUpdate().Model((*studentRow)(nil)).
		Set(set).
		Set("updated_at = ?", now).
		Where("session_id = ?", sessionID).
		Where(filter).
		Returning("*").
		Exec(ctx, &rows)
	if err != nil {
		return fmt.Errorf("update students: %w", err)
	}
	for _, st := range studentsToDomain(rows) {
		s.publish(ctx, domain.StudentChanged(domain.OpUpdate, st, now))
	}
	return nil
}

func (s *Store) checkGuard(ctx context.Context, db bun.IDB, sessionID, studentID string, guard domain.AnswerGuard) error {
	session, err := s.selectSession(ctx, db, sessionID, true)
	if err != nil {
		return err
	}
	exists, err := db.NewSelect().Model((*studentRow)(nil)).
		Where("id = ?", studentID).Where("session_id = ?", sessionID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check student: %w", err)
	}
	if !exists {
		return domain.ErrStudentNotFound
	}
	if guard.RequireUnlocked && session.IsQuizLocked {
		return domain.ErrLocked
	}
	if guard.RejectBlocked && session.IsBlocked(studentID) {
		return domain.ErrBlockedStudent
	}
	return nil
}

// refreshStats recomputes quiz_stats from the answers table. The caller
// holds the session row lock.
func (s *Store) refreshStats(ctx context.Context, db bun.IDB, sessionID string) (domain.ClassSession, error) {
	var counts []struct {
		SelectedAnswer string `bun:"selected_answer"`
		N              int    `bun:"n"`
	}
	err := db.NewSelect().Model((*answerRow)(nil)).
		Column("selected_answer").
		ColumnExpr("count(*) AS n").
		Where("session_id = ?", sessionID).
		Group("selected_answer").
		Scan(ctx, &counts)
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("count answers: %w", err)
	}
	var stats domain.QuizStats
	for _, c := range counts {
		switch domain.Choice(c.SelectedAnswer) {
		case domain.ChoiceA:
			stats.A = c.N
		case domain.ChoiceB:
			stats.B = c.N
		case domain.ChoiceC:
			stats.C = c.N
		case domain.ChoiceD:
			stats.D = c.N
		default:
			continue
		}
		stats.Total += c.N
	}
	return s.patchSession(ctx, db, sessionID, domain.SessionPatch{QuizStats: &stats})
}

// patchSession applies patch to the locked row and writes it back.
func (s *Store) patchSession(ctx context.Context, db bun.IDB, sessionID string, patch domain.SessionPatch) (domain.ClassSession, error) {
	current, err := s.selectSession(ctx, db, sessionID, true)
	if err != nil {
		return domain.ClassSession{}, err
	}
	updated := patch.Apply(current)
	updated.UpdatedAt = s.now().UTC()
	_, err = db.NewUpdate().Model(sessionFromDomain(updated)).
		ExcludeColumn("id", "class_code", "created_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.ClassSession{}, fmt.Errorf("update session: %w", err)
	}
	return updated, nil
}

func (s *Store) selectSession(ctx context.Context, db bun.IDB, sessionID string, forUpdate bool) (domain.ClassSession, error) {
	row := new(sessionRow)
	q := db.NewSelect().Model(row).Where("id = ?", sessionID)
	if forUpdate {
		q = q.For("UPDATE")
	}
	if err := q.Scan(ctx); err != nil {
		return domain.ClassSession{}, notFound(err, domain.ErrSessionNotFound)
	}
	return row.toDomain(), nil
}

func (s *Store) sessionExists(ctx context.Context, sessionID string) error {
	exists, err := s.db.NewSelect().Model((*sessionRow)(nil)).Where("id = ?", sessionID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return nil
}

// publish runs after commit; a failed publish is logged, not returned,
// because the write already happened.
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

func studentsToDomain(rows []studentRow) []domain.Student {
	out := make([]domain.Student, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

func notFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}

func isPgError(err error, code string) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == code
}
