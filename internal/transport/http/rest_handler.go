package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/logging"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// RESTHandler exposes the classroom operations as JSON over HTTP.
type RESTHandler struct {
	service  *app.ClassroomService
	presence PresenceLister
	logger   *zap.Logger
}

// PresenceLister returns clientID -> role for a session's live connections.
type PresenceLister interface {
	Members(ctx context.Context, sessionID string) (map[string]string, error)
}

func NewRESTHandler(service *app.ClassroomService, logger *zap.Logger) *RESTHandler {
	return &RESTHandler{service: service, logger: logging.OrNop(logger).Named("rest")}
}

// WithPresence enables the presence route. Without it the route reports zero.
func (h *RESTHandler) WithPresence(p PresenceLister) *RESTHandler {
	h.presence = p
	return h
}

// Routes mounts the session API.
func (h *RESTHandler) Routes(r chi.Router) {
	r.Post("/sessions", h.createSession)
	r.Get("/sessions/code/{code}", h.sessionByCode)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Delete("/", h.deleteSession)
		r.Get("/snapshot", h.snapshot)
		r.Get("/students", h.listStudents)
		r.Post("/students", h.addStudent)
		r.Get("/leaderboard", h.leaderboard)
		r.Get("/activities", h.activities)
		r.Get("/presence", h.presenceCounts)
		r.Post("/round/open", h.openRound)
		r.Post("/round/lock", h.lockRound)
		r.Post("/round/clear-blocked", h.clearBlocked)
		r.Post("/round/grade", h.gradeRound)
		r.Post("/round/grade-blocked", h.gradeBlocked)
		r.Post("/round/finish", h.finishRound)
		r.Put("/round/points", h.setPoints)
		r.Post("/answers", h.submitAnswer)
		r.Delete("/answers/{studentId}", h.clearAnswer)
		r.Post("/award", h.award)
		r.Post("/scores/set", h.setScore)
		r.Post("/scores/reset", h.resetScores)
		r.Post("/queue/next", h.callNext)
		r.Post("/queue/shuffle", h.shuffle)
		r.Post("/queue/reset", h.resetQueue)
	})
}

func (h *RESTHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.service.CreateSession(r.Context(), req.Name)
	h.respond(w, http.StatusCreated, session, err)
}

func (h *RESTHandler) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSession(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) sessionByCode(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSessionByCode(r.Context(), chi.URLParam(r, "code"))
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, snap, err)
}

func (h *RESTHandler) listStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.service.ListStudents(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, students, err)
}

func (h *RESTHandler) addStudent(w http.ResponseWriter, r *http.Request) {
	var req addStudentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	student, err := h.service.AddStudent(r.Context(), chi.URLParam(r, "id"), req.Name, req.StudentCode)
	h.respond(w, http.StatusCreated, student, err)
}

func (h *RESTHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	lb, err := h.service.Leaderboard(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, lb, err)
}

func (h *RESTHandler) activities(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, errorPayload{Code: codeInvalid, Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	items, err := h.service.Activities(r.Context(), chi.URLParam(r, "id"), limit)
	h.respond(w, http.StatusOK, items, err)
}

func (h *RESTHandler) presenceCounts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.service.GetSession(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	counts := map[string]int{roleTeacher: 0, roleStudent: 0}
	if h.presence != nil {
		members, err := h.presence.Members(r.Context(), id)
		if err != nil {
			h.fail(w, err)
			return
		}
		for _, role := range members {
			counts[role]++
		}
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *RESTHandler) openRound(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.fromBank() {
		session, err := h.service.StartRoundFromBank(r.Context(), id, req.Tag, req.exclusion())
		h.respond(w, http.StatusOK, session, err)
		return
	}
	session, err := h.service.OpenRound(r.Context(), id, req.exclusion())
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) lockRound(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.LockRound(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) clearBlocked(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.ClearBlockedStudent(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) gradeRound(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.PointsCorrect == nil && req.PointsWrong == nil {
		updates, err := h.service.GradeCurrent(r.Context(), id, req.Correct)
		h.respond(w, http.StatusOK, updates, err)
		return
	}
	correct, wrong := app.DefaultCorrectPoints, 0
	if req.PointsCorrect != nil {
		correct = *req.PointsCorrect
	}
	if req.PointsWrong != nil {
		wrong = *req.PointsWrong
	}
	updates, err := h.service.GradeRound(r.Context(), id, req.Correct, correct, wrong)
	h.respond(w, http.StatusOK, updates, err)
}

func (h *RESTHandler) gradeBlocked(w http.ResponseWriter, r *http.Request) {
	var req gradeBlockedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	update, err := h.service.GradeBlockedStudent(r.Context(), chi.URLParam(r, "id"), req.StudentID, req.Selected, req.Correct, req.PointsCorrect, req.PointsWrong)
	h.respond(w, http.StatusOK, update, err)
}

func (h *RESTHandler) finishRound(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.service.FinishRound(r.Context(), chi.URLParam(r, "id"), req.Next)
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) setPoints(w http.ResponseWriter, r *http.Request) {
	var req pointsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.service.SetQuestionPoints(r.Context(), chi.URLParam(r, "id"), req.Correct, req.Wrong)
	h.respond(w, http.StatusOK, session, err)
}

func (h *RESTHandler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.Override {
		answer, err := h.service.SubmitAnswerAsTeacher(r.Context(), id, req.StudentID, req.Choice)
		h.respond(w, http.StatusOK, answer, err)
		return
	}
	answer, err := h.service.SubmitAnswer(r.Context(), id, req.StudentID, req.Choice)
	h.respond(w, http.StatusOK, answer, err)
}

func (h *RESTHandler) clearAnswer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearAnswer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "studentId")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) award(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if req.StudentID == "" && req.StudentCode != "" {
		update, err := h.service.AwardPointsByCode(r.Context(), id, req.StudentCode, req.Points, req.Reason)
		h.respond(w, http.StatusOK, update, err)
		return
	}
	update, err := h.service.AwardPoints(r.Context(), id, req.StudentID, req.Points, req.Reason)
	h.respond(w, http.StatusOK, update, err)
}

func (h *RESTHandler) setScore(w http.ResponseWriter, r *http.Request) {
	var req setScoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.service.SetScore(r.Context(), chi.URLParam(r, "id"), req.StudentID, req.Observed, req.Score)
	h.respond(w, http.StatusOK, result, err)
}

func (h *RESTHandler) resetScores(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResetScores(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RESTHandler) callNext(w http.ResponseWriter, r *http.Request) {
	student, err := h.service.CallNextStudent(r.Context(), chi.URLParam(r, "id"))
	if err == nil && student == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.respond(w, http.StatusOK, student, err)
}

func (h *RESTHandler) shuffle(w http.ResponseWriter, r *http.Request) {
	queue, err := h.service.ShuffleQueue(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, map[string][]string{"queue": queue}, err)
}

func (h *RESTHandler) resetQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := h.service.ResetQueue(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, map[string][]string{"queue": queue}, err)
}

func (h *RESTHandler) respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, status, v)
}

func (h *RESTHandler) fail(w http.ResponseWriter, err error) {
	if writeServiceErr(w, err) == codeInternal {
		h.logger.Error("request failed", zap.Error(err))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, errorPayload{Code: codeInvalid, Message: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, payload errorPayload) {
	writeJSON(w, status, payload)
}

func writeServiceErr(w http.ResponseWriter, err error) string {
	payload, status := errorFor("", err)
	writeErr(w, status, payload)
	return payload.Code
}
