package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"classroom-quiz-service/internal/domain"
)

func TestStoreUpsertRecomputesStatsAndOrdersChanges(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	store := NewStore(broker, nil)

	session, _ := store.CreateSession(ctx, "Period 1")
	s1, _ := store.AddStudent(ctx, session.ID, "Alice", "")
	unlocked := false
	if _, err := store.UpdateSession(ctx, session.ID, domain.SessionPatch{IsQuizLocked: &unlocked}); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	ch, cancel, _ := broker.Subscribe(ctx, session.ID)
	defer cancel()

	if _, err := store.UpsertAnswer(ctx, session.ID, s1.ID, domain.ChoiceA, domain.StudentGuard); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.UpsertAnswer(ctx, session.ID, s1.ID, domain.ChoiceC, domain.StudentGuard); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, _ := store.GetSession(ctx, session.ID)
	if got.QuizStats.Total != 1 || got.QuizStats.C != 1 || got.QuizStats.A != 0 {
		t.Fatalf("expected a single C answer, got %+v", got.QuizStats)
	}

	want := []struct {
		table domain.Table
		op    domain.Op
	}{
		{domain.TableAnswers, domain.OpInsert},
		{domain.TableSessions, domain.OpUpdate},
		{domain.TableAnswers, domain.OpUpdate},
		{domain.TableSessions, domain.OpUpdate},
	}
	for i, w := range want {
		c := <-ch
		if c.Table != w.table || c.Op != w.op {
			t.Fatalf("change %d: expected %s/%s, got %s/%s", i, w.table, w.op, c.Table, c.Op)
		}
	}
}

func TestStoreGuardRejectsLockedAndBlocked(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, nil)
	session, _ := store.CreateSession(ctx, "")
	s1, _ := store.AddStudent(ctx, session.ID, "Alice", "A1")

	if _, err := store.UpsertAnswer(ctx, session.ID, s1.ID, domain.ChoiceA, domain.StudentGuard); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("expected locked on a new session, got %v", err)
	}

	unlocked := false
	blocked := s1.ID
	_, _ = store.UpdateSession(ctx, session.ID, domain.SessionPatch{IsQuizLocked: &unlocked, BlockedStudentID: &blocked})
	if _, err := store.UpsertAnswer(ctx, session.ID, s1.ID, domain.ChoiceA, domain.StudentGuard); !errors.Is(err, domain.ErrBlockedStudent) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if _, err := store.UpsertAnswer(ctx, session.ID, s1.ID, domain.ChoiceA, domain.TeacherOverride); err != nil {
		t.Fatalf("override should bypass guard: %v", err)
	}
	if _, err := store.UpsertAnswer(ctx, session.ID, "ghost", domain.ChoiceA, domain.TeacherOverride); !errors.Is(err, domain.ErrStudentNotFound) {
		t.Fatalf("expected student not found, got %v", err)
	}
}

func TestStoreResetRoundClearsAnswersBeforeSessionUpdate(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	store := NewStore(broker, nil)
	session, _ := store.CreateSession(ctx, "")
	s1, _ := store.AddStudent(ctx, session.ID, "Alice", "")
	_, _ = store.UpsertAnswer(ctx, session.ID, s1.ID, domain.ChoiceB, domain.TeacherOverride)

	ch, cancel, _ := broker.Subscribe(ctx, session.ID)
	defer cancel()

	unlocked := false
	got, err := store.ResetRound(ctx, session.ID, domain.SessionPatch{IsQuizLocked: &unlocked})
	if err != nil {
		t.Fatalf("reset round: %v", err)
	}
	if got.IsQuizLocked || got.QuizStats != (domain.QuizStats{}) {
		t.Fatalf("expected unlocked session with zero stats, got %+v", got)
	}
	answers, _ := store.ListAnswers(ctx, session.ID)
	if len(answers) != 0 {
		t.Fatalf("expected answers cleared, got %d", len(answers))
	}

	first, second := <-ch, <-ch
	if first.Table != domain.TableAnswers || !first.AllAnswers {
		t.Fatalf("expected answer clear first, got %+v", first)
	}
	if second.Table != domain.TableSessions || second.Session == nil || second.Session.IsQuizLocked {
		t.Fatalf("expected unlocked session second, got %+v", second)
	}
}

func TestStoreScoresAndRoster(t *testing.T) {
	ctx := context.Background()
	tick := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	store := NewStoreWithClock(nil, nil, func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	session, _ := store.CreateSession(ctx, "")
	s1, _ := store.AddStudent(ctx, session.ID, "Alice", "")
	s2, _ := store.AddStudent(ctx, session.ID, "Bob", "")
	if s1.StudentCode == s2.StudentCode {
		t.Fatalf("generated codes collide: %q", s1.StudentCode)
	}
	if _, err := store.AddStudent(ctx, session.ID, "Carol", s1.StudentCode); !errors.Is(err, domain.ErrDuplicateStudentCode) {
		t.Fatalf("expected duplicate code, got %v", err)
	}

	if score, _ := store.AddStudentScore(ctx, session.ID, s1.ID, 7); score != 7 {
		t.Fatalf("expected 7, got %d", score)
	}
	if score, _ := store.AddStudentScore(ctx, session.ID, s1.ID, -10); score != -3 {
		t.Fatalf("expected -3, got %d", score)
	}
	prev, err := store.UpdateStudentScore(ctx, session.ID, s2.ID, 4)
	if err != nil || prev != 0 {
		t.Fatalf("expected previous 0, got %d err=%v", prev, err)
	}
	if err := store.ResetScores(ctx, session.ID); err != nil {
		t.Fatalf("reset scores: %v", err)
	}
	students, _ := store.ListStudents(ctx, session.ID)
	for _, st := range students {
		if st.Score != 0 {
			t.Fatalf("expected zero score after reset, got %+v", st)
		}
	}
	if students[0].ID != s1.ID || students[1].ID != s2.ID {
		t.Fatalf("expected join order")
	}
}

func TestStoreDeleteSessionCascades(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, nil)
	session, _ := store.CreateSession(ctx, "")
	s1, _ := store.AddStudent(ctx, session.ID, "Alice", "")
	_ = store.RecordActivity(ctx, domain.Activity{SessionID: session.ID, StudentID: s1.ID, Kind: domain.ActivityAward, Points: 1})

	if err := store.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSessionByCode(ctx, session.ClassCode); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected code released, got %v", err)
	}
	if _, err := store.ListActivities(ctx, session.ID, 10); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected activities gone, got %v", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil, nil)
	session, _ := store.CreateSession(ctx, "")
	points := []int{5, 10}
	_, _ = store.UpdateSession(ctx, session.ID, domain.SessionPatch{QuestionPoints: &points})

	got, _ := store.GetSession(ctx, session.ID)
	got.QuestionPoints[0] = 99
	again, _ := store.GetSession(ctx, session.ID)
	if again.QuestionPoints[0] != 5 {
		t.Fatalf("caller mutation leaked into store: %v", again.QuestionPoints)
	}
}
