package client

import (
	"sort"
	"sync"

	"classroom-quiz-service/internal/domain"
)

// Mirror is a client's local copy of one class session. It keeps two tiers:
// confirmed state, replaced wholesale by server changes, and pending local
// choices made optimistically before the server answers. Remote state always
// wins; a pending choice only lives until the server says something about it.
type Mirror struct {
	sessionID string

	mu       sync.RWMutex
	session  domain.ClassSession
	deleted  bool
	students map[string]domain.Student
	answers  map[string]domain.Answer
	pending  map[string]domain.Choice
}

func NewMirror(sessionID string) *Mirror {
	return &Mirror{
		sessionID: sessionID,
		students:  make(map[string]domain.Student),
		answers:   make(map[string]domain.Answer),
		pending:   make(map[string]domain.Choice),
	}
}

func (m *Mirror) SessionID() string { return m.sessionID }

// Load replaces all confirmed state with a snapshot. Pending choices survive
// so an in-flight submit can still be confirmed or rejected.
func (m *Mirror) Load(snap domain.Snapshot) {
	if snap.Session.ID != m.sessionID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = snap.Session
	m.deleted = false
	m.students = make(map[string]domain.Student, len(snap.Students))
	for _, st := range snap.Students {
		m.students[st.ID] = st
	}
	m.answers = make(map[string]domain.Answer, len(snap.Answers))
	for _, a := range snap.Answers {
		m.answers[a.StudentID] = a
	}
}

// Apply folds one server change into confirmed state.
func (m *Mirror) Apply(change domain.Change) {
	if change.SessionID != m.sessionID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch change.Table {
	case domain.TableSessions:
		if change.Op == domain.OpDelete {
			m.deleted = true
			m.pending = make(map[string]domain.Choice)
			return
		}
		if change.Session == nil {
			return
		}
		next := *change.Session
		if isReset(m.session, next) {
			m.pending = make(map[string]domain.Choice)
		}
		m.session = next
	case domain.TableAnswers:
		if change.AllAnswers {
			m.answers = make(map[string]domain.Answer)
			m.pending = make(map[string]domain.Choice)
			return
		}
		if change.Answer == nil {
			return
		}
		id := change.Answer.StudentID
		delete(m.pending, id)
		if change.Op == domain.OpDelete {
			delete(m.answers, id)
			return
		}
		m.answers[id] = *change.Answer
	case domain.TableStudents:
		if change.Student == nil {
			return
		}
		if change.Op == domain.OpDelete {
			delete(m.students, change.Student.ID)
			delete(m.answers, change.Student.ID)
			delete(m.pending, change.Student.ID)
			return
		}
		m.students[change.Student.ID] = *change.Student
	}
}

// isReset reports whether next is a freshly opened round that prev was not.
func isReset(prev, next domain.ClassSession) bool {
	if next.IsQuizLocked || next.QuizStats.Total != 0 {
		return false
	}
	return prev.IsQuizLocked || prev.QuizStats.Total != 0 || prev.CurrentQuestionIndex != next.CurrentQuestionIndex
}

// Select records an optimistic choice for studentID.
func (m *Mirror) Select(studentID string, choice domain.Choice) {
	m.mu.Lock()
	m.pending[studentID] = choice
	m.mu.Unlock()
}

// Reject drops the optimistic choice after the server refused it, so the
// displayed choice falls back to the confirmed answer, if any.
func (m *Mirror) Reject(studentID string) {
	m.mu.Lock()
	delete(m.pending, studentID)
	m.mu.Unlock()
}

func (m *Mirror) Session() domain.ClassSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Deleted reports whether the server removed the session.
func (m *Mirror) Deleted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deleted
}

func (m *Mirror) Student(id string) (domain.Student, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.students[id]
	return st, ok
}

// Students returns the roster ordered by join time.
func (m *Mirror) Students() []domain.Student {
	m.mu.RLock()
	out := make([]domain.Student, 0, len(m.students))
	for _, st := range m.students {
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Answer returns the confirmed answer for studentID.
func (m *Mirror) Answer(studentID string) (domain.Answer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.answers[studentID]
	return a, ok
}

func (m *Mirror) Pending(studentID string) (domain.Choice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.pending[studentID]
	return c, ok
}

// DisplayedChoice is what a UI should highlight: the pending choice if one
// is in flight, otherwise the confirmed answer.
func (m *Mirror) DisplayedChoice(studentID string) (domain.Choice, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.pending[studentID]; ok {
		return c, true
	}
	if a, ok := m.answers[studentID]; ok {
		return a.SelectedAnswer, true
	}
	return "", false
}

// CanSubmit mirrors the server's self-submit check using confirmed state.
func (m *Mirror) CanSubmit(studentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.deleted && !m.session.IsQuizLocked && !m.session.IsBlocked(studentID)
}
