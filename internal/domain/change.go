package domain

import "time"

// Table names a change-feed source.
type Table string

const (
	TableSessions Table = "class_sessions"
	TableAnswers  Table = "answers"
	TableStudents Table = "students"
)

// Op is the kind of row mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one notification on a session's change feed. It always carries
// the full row after the mutation (or the deleted row's key for deletes), so
// subscribers replace local state instead of merging.
type Change struct {
	Table     Table         `json:"table"`
	Op        Op            `json:"op"`
	SessionID string        `json:"sessionId"`
	Session   *ClassSession `json:"session,omitempty"`
	Answer    *Answer       `json:"answer,omitempty"`
	Student   *Student      `json:"student,omitempty"`
	// AllAnswers marks an answer delete that cleared the whole session.
	AllAnswers bool      `json:"allAnswers,omitempty"`
	At         time.Time `json:"at"`
}

// SessionChanged builds a session update notification.
func SessionChanged(s ClassSession, at time.Time) Change {
	return Change{Table: TableSessions, Op: OpUpdate, SessionID: s.ID, Session: &s, At: at}
}

// AnswerChanged builds an answer notification.
func AnswerChanged(op Op, a Answer, at time.Time) Change {
	return Change{Table: TableAnswers, Op: op, SessionID: a.SessionID, Answer: &a, At: at}
}

// AnswersCleared builds the notification for a whole-session answer delete.
func AnswersCleared(sessionID string, at time.Time) Change {
	return Change{Table: TableAnswers, Op: OpDelete, SessionID: sessionID, AllAnswers: true, At: at}
}

// StudentChanged builds a student notification.
func StudentChanged(op Op, s Student, at time.Time) Change {
	return Change{Table: TableStudents, Op: op, SessionID: s.SessionID, Student: &s, At: at}
}

// Snapshot is the full state a client needs before following the feed.
type Snapshot struct {
	Session  ClassSession `json:"session"`
	Students []Student    `json:"students"`
	Answers  []Answer     `json:"answers"`
}
