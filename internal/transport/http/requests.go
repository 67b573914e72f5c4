package http

import (
	"bytes"
	"encoding/json"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
)

// Request bodies shared by the REST routes and websocket messages.

type createSessionRequest struct {
	Name string `json:"name"`
}

type addStudentRequest struct {
	Name        string `json:"name"`
	StudentCode string `json:"studentCode"`
}

// optionalID tells an absent field apart from an explicit null.
type optionalID struct {
	Set   bool
	Value string
}

func (o *optionalID) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = ""
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

type openRequest struct {
	// BlockedStudentID replaces the excluded student. An explicit null or
	// empty id clears it, as does ClearBlocked. Omitting both keeps the
	// current exclusion.
	BlockedStudentID optionalID `json:"blockedStudentId"`
	ClearBlocked     bool       `json:"clearBlocked"`
	// Tag or FromBank starts the round from a random quiz bank question.
	// An empty tag picks from the whole bank.
	Tag      string `json:"tag"`
	FromBank bool   `json:"fromBank"`
}

func (r openRequest) exclusion() app.Exclusion {
	switch {
	case r.ClearBlocked:
		return app.ClearExclusion()
	case !r.BlockedStudentID.Set:
		return app.KeepBlocked()
	case r.BlockedStudentID.Value == "":
		return app.ClearExclusion()
	default:
		return app.Exclude(r.BlockedStudentID.Value)
	}
}

func (r openRequest) fromBank() bool {
	return r.FromBank || r.Tag != ""
}

type answerRequest struct {
	StudentID string        `json:"studentId"`
	Choice    domain.Choice `json:"choice"`
	// Override submits on behalf of the student, bypassing lock and exclusion.
	Override bool `json:"override"`
}

type clearRequest struct {
	StudentID string `json:"studentId"`
}

type gradeRequest struct {
	Correct domain.Choice `json:"correct"`
	// When both are nil the session's configured points apply.
	PointsCorrect *int `json:"pointsCorrect"`
	PointsWrong   *int `json:"pointsWrong"`
}

type gradeBlockedRequest struct {
	StudentID     string        `json:"studentId"`
	Selected      domain.Choice `json:"selected"`
	Correct       domain.Choice `json:"correct"`
	PointsCorrect int           `json:"pointsCorrect"`
	PointsWrong   int           `json:"pointsWrong"`
}

type awardRequest struct {
	StudentID   string `json:"studentId"`
	StudentCode string `json:"studentCode"`
	Points      int    `json:"points"`
	Reason      string `json:"reason"`
}

type setScoreRequest struct {
	StudentID string `json:"studentId"`
	Observed  int    `json:"observed"`
	Score     int    `json:"score"`
}

type finishRequest struct {
	Next bool `json:"next"`
}

type pointsRequest struct {
	Correct []int `json:"correct"`
	Wrong   []int `json:"wrong"`
}
