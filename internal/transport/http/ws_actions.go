package http

import (
	"context"
	"encoding/json"
	"fmt"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/domain"
)

const (
	roleTeacher = "teacher"
	roleStudent = "student"
)

var studentActions = map[string]bool{"submit": true, "clear": true}

// dispatch runs one inbound websocket command and returns the ack result.
func dispatch(ctx context.Context, svc *app.ClassroomService, sessionID, role, studentID string, msg inboundMessage) (any, error) {
	if role == roleStudent && !studentActions[msg.Type] {
		return nil, fmt.Errorf("%q is a teacher action: %w", msg.Type, domain.ErrInvalidInput)
	}

	switch msg.Type {
	case "submit":
		var req answerRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		if role == roleStudent {
			return svc.SubmitAnswer(ctx, sessionID, studentID, req.Choice)
		}
		return svc.SubmitAnswerAsTeacher(ctx, sessionID, req.StudentID, req.Choice)
	case "clear":
		var req clearRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		if role == roleStudent {
			req.StudentID = studentID
		}
		return nil, svc.ClearAnswer(ctx, sessionID, req.StudentID)
	case "open":
		var req openRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		if req.fromBank() {
			return svc.StartRoundFromBank(ctx, sessionID, req.Tag, req.exclusion())
		}
		return svc.OpenRound(ctx, sessionID, req.exclusion())
	case "lock":
		return svc.LockRound(ctx, sessionID)
	case "clearBlocked":
		return svc.ClearBlockedStudent(ctx, sessionID)
	case "grade":
		var req gradeRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		if req.PointsCorrect == nil && req.PointsWrong == nil {
			return svc.GradeCurrent(ctx, sessionID, req.Correct)
		}
		correct, wrong := app.DefaultCorrectPoints, 0
		if req.PointsCorrect != nil {
			correct = *req.PointsCorrect
		}
		if req.PointsWrong != nil {
			wrong = *req.PointsWrong
		}
		return svc.GradeRound(ctx, sessionID, req.Correct, correct, wrong)
	case "gradeBlocked":
		var req gradeBlockedRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		return svc.GradeBlockedStudent(ctx, sessionID, req.StudentID, req.Selected, req.Correct, req.PointsCorrect, req.PointsWrong)
	case "award":
		var req awardRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		if req.StudentID == "" && req.StudentCode != "" {
			return svc.AwardPointsByCode(ctx, sessionID, req.StudentCode, req.Points, req.Reason)
		}
		return svc.AwardPoints(ctx, sessionID, req.StudentID, req.Points, req.Reason)
	case "setScore":
		var req setScoreRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		return svc.SetScore(ctx, sessionID, req.StudentID, req.Observed, req.Score)
	case "callNext":
		return svc.CallNextStudent(ctx, sessionID)
	case "shuffle":
		return svc.ShuffleQueue(ctx, sessionID)
	case "resetQueue":
		return svc.ResetQueue(ctx, sessionID)
	case "finish":
		var req finishRequest
		if err := decodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		return svc.FinishRound(ctx, sessionID, req.Next)
	default:
		return nil, fmt.Errorf("unsupported message type %q: %w", msg.Type, domain.ErrInvalidInput)
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", domain.ErrInvalidInput)
	}
	return nil
}
