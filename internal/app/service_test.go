package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/infra/memory"
)

type fixture struct {
	service  *app.ClassroomService
	broker   *memory.Broker
	session  domain.ClassSession
	students []domain.Student
}

func newFixture(t *testing.T, names ...string) fixture {
	t.Helper()
	ctx := context.Background()
	broker := memory.NewBroker()
	store := memory.NewStore(broker, nil)
	bank := memory.NewQuizBank(memory.NewStaticQuizBankLoader(bankItems()), time.Minute)
	service := app.NewClassroomService(store, bank, broker, nil, app.WithSeed(42))

	session, err := service.CreateSession(ctx, "Period 1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	f := fixture{service: service, broker: broker, session: session}
	for _, name := range names {
		st, err := service.AddStudent(ctx, session.ID, name, "")
		if err != nil {
			t.Fatalf("add student %s: %v", name, err)
		}
		f.students = append(f.students, st)
	}
	return f
}

func (f fixture) id(i int) string { return f.students[i].ID }

func bankItems() []domain.QuizBankItem {
	return []domain.QuizBankItem{{
		ID:              "bank-1",
		QuestionText:    "2 + 2?",
		Options:         domain.ChoiceOptions{A: "3", B: "4", C: "5", D: "6"},
		CorrectAnswer:   domain.ChoiceB,
		Tags:            []string{"math"},
		PointsCorrect:   3,
		PointsIncorrect: 2,
	}}
}

func scores(t *testing.T, f fixture) map[string]int {
	t.Helper()
	students, err := f.service.ListStudents(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("list students: %v", err)
	}
	out := make(map[string]int, len(students))
	for _, st := range students {
		out[st.ID] = st.Score
	}
	return out
}

func TestNewSessionStartsIdleAndLocked(t *testing.T) {
	f := newFixture(t, "Alice")
	if !f.session.IsQuizLocked || f.session.Phase != domain.PhaseIdle {
		t.Fatalf("expected idle locked session, got %+v", f.session)
	}
	if !domain.ValidClassCode(f.session.ClassCode) {
		t.Fatalf("invalid class code %q", f.session.ClassCode)
	}
	_, err := f.service.SubmitAnswer(context.Background(), f.session.ID, f.id(0), domain.ChoiceA)
	if !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("expected locked before the first open, got %v", err)
	}
}

func TestExactlyOneAnswerPerStudent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice")
	if _, err := f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked()); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, c := range []domain.Choice{domain.ChoiceA, domain.ChoiceB, domain.ChoiceD} {
		if _, err := f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), c); err != nil {
			t.Fatalf("submit %s: %v", c, err)
		}
	}
	snap, _ := f.service.Snapshot(ctx, f.session.ID)
	if len(snap.Answers) != 1 || snap.Answers[0].SelectedAnswer != domain.ChoiceD {
		t.Fatalf("expected one D answer, got %+v", snap.Answers)
	}
	if snap.Session.QuizStats.Total != 1 || snap.Session.QuizStats.D != 1 {
		t.Fatalf("unexpected stats %+v", snap.Session.QuizStats)
	}
}

func TestLockRejectsSubmitAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice", "Bob")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA)

	session, err := f.service.LockRound(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if session.Phase != domain.PhaseLocked {
		t.Fatalf("expected locked phase, got %s", session.Phase)
	}
	if _, err := f.service.LockRound(ctx, f.session.ID); err != nil {
		t.Fatalf("second lock should be a no-op: %v", err)
	}

	if _, err := f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceB); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
	if err := f.service.ClearAnswer(ctx, f.session.ID, f.id(0)); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("expected locked on clear, got %v", err)
	}
	snap, _ := f.service.Snapshot(ctx, f.session.ID)
	if len(snap.Answers) != 1 || snap.Session.QuizStats.A != 1 {
		t.Fatalf("answers changed while locked: %+v", snap.Answers)
	}
}

func TestBlockedStudentExcludedButOverrideSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice", "Bob")
	session, err := f.service.OpenRound(ctx, f.session.ID, app.Exclude(f.id(0)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !session.IsBlocked(f.id(0)) {
		t.Fatalf("expected Alice blocked")
	}

	if _, err := f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA); !errors.Is(err, domain.ErrBlockedStudent) {
		t.Fatalf("expected blocked, got %v", err)
	}
	if _, err := f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceA); err != nil {
		t.Fatalf("Bob should answer: %v", err)
	}
	if _, err := f.service.SubmitAnswerAsTeacher(ctx, f.session.ID, f.id(0), domain.ChoiceC); err != nil {
		t.Fatalf("override should succeed: %v", err)
	}

	_, _ = f.service.LockRound(ctx, f.session.ID)
	if _, err := f.service.SubmitAnswerAsTeacher(ctx, f.session.ID, f.id(0), domain.ChoiceB); err != nil {
		t.Fatalf("override should ignore the lock: %v", err)
	}
}

func TestOpenExclusionSemantics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice", "Bob")

	s, _ := f.service.OpenRound(ctx, f.session.ID, app.Exclude(f.id(1)))
	if !s.IsBlocked(f.id(1)) {
		t.Fatalf("expected Bob blocked")
	}
	s, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	if !s.IsBlocked(f.id(1)) {
		t.Fatalf("omitted exclusion must keep the blocked student")
	}
	s, _ = f.service.OpenRound(ctx, f.session.ID, app.ClearExclusion())
	if s.BlockedStudentID != nil {
		t.Fatalf("explicit clear must null the blocked student")
	}
	if _, err := f.service.OpenRound(ctx, f.session.ID, app.Exclude("ghost")); !errors.Is(err, domain.ErrStudentNotFound) {
		t.Fatalf("expected unknown student rejected, got %v", err)
	}
}

func TestStatsMatchAnswerSet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2", "s3", "s4")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	choices := []domain.Choice{domain.ChoiceA, domain.ChoiceB, domain.ChoiceA, domain.ChoiceC}
	for i, c := range choices {
		_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(i), c)
	}
	_ = f.service.ClearAnswer(ctx, f.session.ID, f.id(3))
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceD)

	snap, _ := f.service.Snapshot(ctx, f.session.ID)
	if snap.Session.QuizStats != domain.StatsFor(snap.Answers) {
		t.Fatalf("stats %+v do not match answers %+v", snap.Session.QuizStats, snap.Answers)
	}
	st := snap.Session.QuizStats
	if st.A != 2 || st.D != 1 || st.Total != 3 || st.A+st.B+st.C+st.D != st.Total {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA)

	first, _ := f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	second, _ := f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	for _, s := range []domain.ClassSession{first, second} {
		if s.IsQuizLocked || s.QuizStats != (domain.QuizStats{}) || s.Phase != domain.PhaseOpen {
			t.Fatalf("expected open empty round, got %+v", s)
		}
	}
	snap, _ := f.service.Snapshot(ctx, f.session.ID)
	if len(snap.Answers) != 0 {
		t.Fatalf("expected no answers, got %d", len(snap.Answers))
	}
}

func TestGradeRoundAppliesSignedDeltas(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "s1", "s2", "s3", "s4")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA)
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceB)
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(2), domain.ChoiceA)
	_, _ = f.service.LockRound(ctx, f.session.ID)

	updates, err := f.service.GradeRound(ctx, f.session.ID, domain.ChoiceA, 10, -5)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	got := scores(t, f)
	want := map[string]int{f.id(0): 10, f.id(1): -5, f.id(2): 10, f.id(3): 0}
	for id, score := range want {
		if got[id] != score {
			t.Fatalf("student %s: expected %d, got %d", id, score, got[id])
		}
	}
	session, _ := f.service.GetSession(ctx, f.session.ID)
	if session.Phase != domain.PhaseGraded {
		t.Fatalf("expected graded phase, got %s", session.Phase)
	}
}

func TestGradeRoundTwiceAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ana")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA)
	_, _ = f.service.LockRound(ctx, f.session.ID)

	if _, err := f.service.GradeRound(ctx, f.session.ID, domain.ChoiceA, 10, -5); err != nil {
		t.Fatalf("first grade: %v", err)
	}
	if _, err := f.service.GradeRound(ctx, f.session.ID, domain.ChoiceA, 10, -5); !errors.Is(err, domain.ErrRoundNotGradable) {
		t.Fatalf("expected ErrRoundNotGradable on second grade, got %v", err)
	}
	if _, err := f.service.GradeCurrent(ctx, f.session.ID, domain.ChoiceA); !errors.Is(err, domain.ErrRoundNotGradable) {
		t.Fatalf("expected ErrRoundNotGradable from GradeCurrent, got %v", err)
	}
	if got := scores(t, f)[f.id(0)]; got != 10 {
		t.Fatalf("expected score 10 after double grade, got %d", got)
	}

	// the next round grades again
	if _, err := f.service.FinishRound(ctx, f.session.ID, true); err != nil {
		t.Fatalf("finish: %v", err)
	}
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceB)
	if _, err := f.service.GradeRound(ctx, f.session.ID, domain.ChoiceB, 10, -5); err != nil {
		t.Fatalf("grade next round: %v", err)
	}
	if got := scores(t, f)[f.id(0)]; got != 20 {
		t.Fatalf("expected score 20 after second round, got %d", got)
	}
}

func TestConcurrentGradeAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ana", "ben")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA)
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceC)
	_, _ = f.service.LockRound(ctx, f.session.ID)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.GradeRound(ctx, f.session.ID, domain.ChoiceA, 10, -5)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, domain.ErrRoundNotGradable):
			t.Fatalf("unexpected grade error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one grade to apply, got %d", ok)
	}
	got := scores(t, f)
	if got[f.id(0)] != 10 || got[f.id(1)] != -5 {
		t.Fatalf("scores applied more than once: %v", got)
	}
}

// flakyStore fails score increments for one student.
type flakyStore struct {
	*memory.Store
	failFor string
}

var errScoreWrite = errors.New("score write failed")

func (s *flakyStore) AddStudentScore(ctx context.Context, sessionID, studentID string, delta int) (int, error) {
	if studentID == s.failFor {
		return 0, errScoreWrite
	}
	return s.Store.AddStudentScore(ctx, sessionID, studentID, delta)
}

func TestGradeRoundReturnsAppliedUpdatesOnFailure(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	store := &flakyStore{Store: memory.NewStore(broker, nil)}
	service := app.NewClassroomService(store, nil, broker, nil, app.WithSeed(1), app.WithGradeConcurrency(1))

	session, err := service.CreateSession(ctx, "Period 4")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var ids []string
	for _, name := range []string{"a", "b", "c", "d"} {
		st, err := service.AddStudent(ctx, session.ID, name, "")
		if err != nil {
			t.Fatalf("add student: %v", err)
		}
		ids = append(ids, st.ID)
	}
	store.failFor = ids[2]
	_, _ = service.OpenRound(ctx, session.ID, app.KeepBlocked())
	for _, id := range ids {
		if _, err := service.SubmitAnswer(ctx, session.ID, id, domain.ChoiceA); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	_, _ = service.LockRound(ctx, session.ID)

	updates, err := service.GradeRound(ctx, session.ID, domain.ChoiceA, 10, 0)
	if !errors.Is(err, errScoreWrite) {
		t.Fatalf("expected score write error, got %v", err)
	}
	students, err := service.ListStudents(ctx, session.ID)
	if err != nil {
		t.Fatalf("list students: %v", err)
	}
	reported := map[string]bool{}
	for _, u := range updates {
		if u.StudentID == ids[2] {
			t.Fatalf("failed student reported as applied")
		}
		reported[u.StudentID] = true
	}
	for _, st := range students {
		if (st.Score == 10) != reported[st.ID] {
			t.Fatalf("student %s score %d does not match reported updates %v", st.ID, st.Score, updates)
		}
	}
	current, _ := service.GetSession(ctx, session.ID)
	if current.Phase == domain.PhaseGraded {
		t.Fatalf("partially graded round marked graded")
	}
}

func TestGradeRoundSkipsBlockedStudent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "called", "other")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.Exclude(f.id(0)))
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceB)

	update, err := f.service.GradeBlockedStudent(ctx, f.session.ID, f.id(0), domain.ChoiceB, domain.ChoiceB, 10, 0)
	if err != nil {
		t.Fatalf("grade blocked: %v", err)
	}
	if !update.Correct || update.NewScore != 10 {
		t.Fatalf("unexpected blocked update %+v", update)
	}

	if _, err := f.service.GradeRound(ctx, f.session.ID, domain.ChoiceB, 10, 0); err != nil {
		t.Fatalf("grade: %v", err)
	}
	got := scores(t, f)
	if got[f.id(0)] != 10 || got[f.id(1)] != 10 {
		t.Fatalf("blocked student graded twice or other missed: %v", got)
	}
}

func TestGradeCurrentUsesConfiguredPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "right", "wrong")
	if _, err := f.service.SetQuestionPoints(ctx, f.session.ID, []int{5, 20}, []int{-1, -4}); err != nil {
		t.Fatalf("set points: %v", err)
	}
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceC)
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceA)
	_, _ = f.service.LockRound(ctx, f.session.ID)
	if _, err := f.service.GradeCurrent(ctx, f.session.ID, domain.ChoiceC); err != nil {
		t.Fatalf("grade: %v", err)
	}
	got := scores(t, f)
	if got[f.id(0)] != 5 || got[f.id(1)] != -1 {
		t.Fatalf("question 0 points not applied: %v", got)
	}

	session, err := f.service.FinishRound(ctx, f.session.ID, true)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if session.CurrentQuestionIndex != 1 || session.Phase != domain.PhaseOpen || session.IsQuizLocked {
		t.Fatalf("expected question 1 open, got %+v", session)
	}
	pc, pw := app.PointsFor(session)
	if pc != 20 || pw != -4 {
		t.Fatalf("expected 20/-4 for question 1, got %d/%d", pc, pw)
	}

	session, _ = f.service.FinishRound(ctx, f.session.ID, true)
	if session.Phase != domain.PhaseIdle || !session.IsQuizLocked {
		t.Fatalf("expected idle after last question, got %+v", session)
	}
}

func TestPointsForDefaults(t *testing.T) {
	pc, pw := app.PointsFor(domain.ClassSession{CurrentQuestionIndex: 3, QuestionPoints: []int{1}})
	if pc != app.DefaultCorrectPoints || pw != 0 {
		t.Fatalf("expected defaults, got %d/%d", pc, pw)
	}
}

func TestStartFromBankUsesItemPoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "right", "wrong")
	session, err := f.service.StartRoundFromBank(ctx, f.session.ID, "math", app.KeepBlocked())
	if err != nil {
		t.Fatalf("start from bank: %v", err)
	}
	if session.ActiveQuestion == nil || session.ActiveQuestion.BankItemID != "bank-1" {
		t.Fatalf("expected bank question, got %+v", session.ActiveQuestion)
	}
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceB)
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(1), domain.ChoiceD)
	_, _ = f.service.GradeCurrent(ctx, f.session.ID, session.ActiveQuestion.CorrectAnswer)

	got := scores(t, f)
	if got[f.id(0)] != 3 || got[f.id(1)] != -2 {
		t.Fatalf("bank points not applied: %v", got)
	}
	if _, err := f.service.StartRoundFromBank(ctx, f.session.ID, "history", app.KeepBlocked()); !errors.Is(err, domain.ErrQuizBankEmpty) {
		t.Fatalf("expected empty bank for unknown tag, got %v", err)
	}
}

func TestConcurrentAwardsLoseNoUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := 1
			if i%4 == 0 {
				delta = -2
			}
			if _, err := f.service.AwardPoints(ctx, f.session.ID, f.id(0), delta, ""); err != nil {
				t.Errorf("award: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 75 * +1 and 25 * -2
	if got := scores(t, f)[f.id(0)]; got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
	acts, _ := f.service.Activities(ctx, f.session.ID, 0)
	if len(acts) != 100 {
		t.Fatalf("expected 100 activities, got %d", len(acts))
	}
}

func TestSetScoreFlagsLostConcurrentChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice")
	_, _ = f.service.AwardPoints(ctx, f.session.ID, f.id(0), 5, "bonus")

	res, err := f.service.SetScore(ctx, f.session.ID, f.id(0), 0, 12)
	if err != nil {
		t.Fatalf("set score: %v", err)
	}
	if !res.Overwrote || res.Previous != 5 || res.Update.NewScore != 12 {
		t.Fatalf("expected flagged overwrite, got %+v", res)
	}

	res, _ = f.service.SetScore(ctx, f.session.ID, f.id(0), 12, 15)
	if res.Overwrote {
		t.Fatalf("matching observed score must not be flagged: %+v", res)
	}
}

func TestAwardByCodeAndReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice")
	if _, err := f.service.AwardPointsByCode(ctx, f.session.ID, f.students[0].StudentCode, 4, ""); err != nil {
		t.Fatalf("award by code: %v", err)
	}
	if _, err := f.service.AwardPointsByCode(ctx, f.session.ID, "nope", 4, ""); !errors.Is(err, domain.ErrStudentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.service.ResetScores(ctx, f.session.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := scores(t, f)[f.id(0)]; got != 0 {
		t.Fatalf("expected 0 after reset, got %d", got)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Zed", "Amy", "Bob")
	_, _ = f.service.AwardPoints(ctx, f.session.ID, f.id(2), 5, "")
	_, _ = f.service.AwardPoints(ctx, f.session.ID, f.id(0), 5, "")
	_, _ = f.service.AwardPoints(ctx, f.session.ID, f.id(1), 1, "")

	lb, err := f.service.Leaderboard(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(lb.Entries) != 3 || lb.Entries[0].Score != 5 || lb.Entries[2].Name != "Amy" {
		t.Fatalf("unexpected order %+v", lb.Entries)
	}
}

func TestCallNextExhaustsAndResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c")

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		st, err := f.service.CallNextStudent(ctx, f.session.ID)
		if err != nil || st == nil {
			t.Fatalf("call %d: %v %v", i, st, err)
		}
		if seen[st.ID] {
			t.Fatalf("student %s called twice in one cycle", st.ID)
		}
		if !st.IsCalled {
			t.Fatalf("picked student not marked called")
		}
		seen[st.ID] = true
	}
	st, err := f.service.CallNextStudent(ctx, f.session.ID)
	if err != nil || st != nil {
		t.Fatalf("expected exhausted cycle, got %v %v", st, err)
	}
	session, _ := f.service.GetSession(ctx, f.session.ID)
	if len(session.CalledStudents) != 3 {
		t.Fatalf("expected 3 called, got %v", session.CalledStudents)
	}

	queue, err := f.service.ResetQueue(ctx, f.session.ID)
	if err != nil || len(queue) != 3 {
		t.Fatalf("reset: %v %v", queue, err)
	}
	session, _ = f.service.GetSession(ctx, f.session.ID)
	if len(session.CalledStudents) != 0 {
		t.Fatalf("expected called list cleared")
	}
	again := map[string]bool{}
	for i := 0; i < 3; i++ {
		st, err := f.service.CallNextStudent(ctx, f.session.ID)
		if err != nil || st == nil {
			t.Fatalf("call %d after reset: %v %v", i, st, err)
		}
		if again[st.ID] {
			t.Fatalf("student %s called twice after reset", st.ID)
		}
		again[st.ID] = true
	}
	if st, err := f.service.CallNextStudent(ctx, f.session.ID); err != nil || st != nil {
		t.Fatalf("expected second cycle exhausted, got %v %v", st, err)
	}
}

func TestShuffleIsFair(t *testing.T) {
	ctx := context.Background()
	names := []string{"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9"}
	f := newFixture(t, names...)

	first := map[string]int{}
	const runs = 1000
	for i := 0; i < runs; i++ {
		queue, err := f.service.ShuffleQueue(ctx, f.session.ID)
		if err != nil {
			t.Fatalf("shuffle: %v", err)
		}
		if len(queue) != len(names) {
			t.Fatalf("queue lost students: %v", queue)
		}
		first[queue[0]]++
	}
	for _, st := range f.students {
		n := first[st.ID]
		if n < 60 || n > 140 {
			t.Fatalf("student %s first %d/%d times, expected about 100", st.Name, n, runs)
		}
	}
}

func TestSubscribeSeesResetOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "Alice")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	_, _ = f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceA)

	ch, cancel, err := f.service.Subscribe(ctx, f.session.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())
	first, second := <-ch, <-ch
	if first.Table != domain.TableAnswers || first.Op != domain.OpDelete {
		t.Fatalf("expected answer clear first, got %+v", first)
	}
	if second.Table != domain.TableSessions || second.Session.QuizStats.Total != 0 {
		t.Fatalf("expected reset session second, got %+v", second)
	}

	if _, _, err := f.service.Subscribe(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestRaceBetweenLockAndSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a", "b", "c", "d", "e", "f", "g", "h")
	_, _ = f.service.OpenRound(ctx, f.session.ID, app.KeepBlocked())

	var wg sync.WaitGroup
	for i := range f.students {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.SubmitAnswer(ctx, f.session.ID, f.id(i), domain.ChoiceA)
			if err != nil && !errors.Is(err, domain.ErrLocked) {
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	_, _ = f.service.LockRound(ctx, f.session.ID)
	wg.Wait()

	locked, _ := f.service.Snapshot(ctx, f.session.ID)
	if _, err := f.service.SubmitAnswer(ctx, f.session.ID, f.id(0), domain.ChoiceB); !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("expected locked after race, got %v", err)
	}
	if locked.Session.QuizStats != domain.StatsFor(locked.Answers) {
		t.Fatalf("stats drifted: %+v vs %d answers", locked.Session.QuizStats, len(locked.Answers))
	}
}
