package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a class session does not exist.
	ErrSessionNotFound = errors.New("class session not found")
	// ErrStudentNotFound is returned when a student is not on the session roster.
	ErrStudentNotFound = errors.New("student not found in class session")
	// ErrLocked is returned when an answer is submitted or cleared after the round was locked.
	ErrLocked = errors.New("quiz is locked")
	// ErrBlockedStudent is returned when the called student tries to answer for themselves.
	ErrBlockedStudent = errors.New("student was called and cannot answer this round")
	// ErrInvalidChoice indicates a selected answer outside A-D.
	ErrInvalidChoice = errors.New("answer must be one of A, B, C, D")
	// ErrDuplicateStudentCode indicates the roster already has a student with that code.
	ErrDuplicateStudentCode = errors.New("student code already used in this class session")
	// ErrQuizBankEmpty indicates no bank item matched the requested tag.
	ErrQuizBankEmpty = errors.New("quiz bank has no matching questions")
	// ErrQuizBankItemNotFound indicates a bank item ID is invalid.
	ErrQuizBankItemNotFound = errors.New("quiz bank item not found")
	// ErrRoundNotGradable is returned when the current round was already graded.
	ErrRoundNotGradable = errors.New("round already graded")
	// ErrInvalidInput wraps malformed request fields.
	ErrInvalidInput = errors.New("invalid input")
)

// ConcurrencyLossWarning reports that an absolute score write replaced a
// value the caller had not seen. It is logged and reported, not returned as
// a failure.
type ConcurrencyLossWarning struct {
	SessionID string
	StudentID string
	Observed  int
	Actual    int
	Written   int
}

func (w *ConcurrencyLossWarning) Error() string {
	return fmt.Sprintf("score for student %s in session %s overwritten: observed %d, store had %d, wrote %d",
		w.StudentID, w.SessionID, w.Observed, w.Actual, w.Written)
}
