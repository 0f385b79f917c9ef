package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/mentor/internal/evidence"
	"github.com/dativo-io/mentor/internal/intake"
	"github.com/dativo-io/mentor/internal/orchestrator"
	mentorotel "github.com/dativo-io/mentor/internal/otel"
	"github.com/dativo-io/mentor/internal/strategy"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxIDLength      = 128
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeStoreError maps domain errors to HTTP statuses. Unknown errors are
// logged and reported without detail.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *intake.RejectionError
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   "rejected",
			"field":   rej.Field,
			"message": rej.Reason,
		})
	case errors.Is(err, evidence.ErrSessionNotFound),
		errors.Is(err, evidence.ErrTraceNotFound),
		errors.Is(err, evidence.ErrSequenceNotFound),
		errors.Is(err, evidence.ErrRiskNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrSessionNotActive),
		errors.Is(err, evidence.ErrSessionClosed),
		errors.Is(err, evidence.ErrInvalidTransition),
		errors.Is(err, evidence.ErrRiskResolved):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, evidence.ErrInvalidTraceRecord),
		errors.Is(err, evidence.ErrInvalidIntensity):
		writeError(w, http.StatusUnprocessableEntity, "rejected", err.Error())
	default:
		log.Error().
			Func(mentorotel.LogTraceFields(r.Context())).
			Err(err).
			Str("route", r.URL.Path).
			Msg("request_failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"trace_store": "ok",
			"policy":      "ok",
		}
		if s.store == nil {
			components["trace_store"] = "disabled"
		} else if err := s.store.Ping(r.Context()); err != nil {
			components["trace_store"] = "error"
			resp["status"] = "degraded"
		}
		if s.policy == nil {
			components["policy"] = "missing"
		} else {
			resp["policy_version"] = s.policy.VersionTag
		}
		if s.analyzer == nil {
			components["risk_analysis"] = "disabled"
		} else {
			components["risk_analysis"] = "ok"
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePolicyShow(w http.ResponseWriter, r *http.Request) {
	if s.policy == nil {
		writeError(w, http.StatusServiceUnavailable, "policy_unavailable", "no policy loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version_tag": s.policy.VersionTag,
		"policy":      s.policy,
	})
}

type sessionCreateRequest struct {
	StudentID  string `json:"student_id"`
	ActivityID string `json:"activity_id"`
	Mode       string `json:"mode"`
}

func validIdentifier(s string) bool {
	return s != "" && len(s) <= maxIDLength && strings.TrimSpace(s) == s
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validIdentifier(req.StudentID) {
		writeStoreError(w, r, &intake.RejectionError{Field: "student_id", Reason: "must be a non-empty identifier"})
		return
	}
	if !validIdentifier(req.ActivityID) {
		writeStoreError(w, r, &intake.RejectionError{Field: "activity_id", Reason: "must be a non-empty identifier"})
		return
	}
	if req.Mode == "" {
		req.Mode = string(strategy.ModeGuidedTutor)
	}
	mode, err := strategy.ParseMode(req.Mode)
	if err != nil {
		writeStoreError(w, r, &intake.RejectionError{Field: "mode", Reason: err.Error()})
		return
	}
	sess := &evidence.Session{StudentID: req.StudentID, ActivityID: req.ActivityID, Mode: string(mode)}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeStoreError(w, r, err)
		return
	}
	log.Info().
		Func(mentorotel.LogTraceFields(r.Context())).
		Str("session_id", sess.ID).
		Str("mode", sess.Mode).
		Msg("session_created")
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	q := r.URL.Query()
	f := evidence.SessionFilter{
		StudentID:  q.Get("student_id"),
		ActivityID: q.Get("activity_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if st := q.Get("status"); st != "" {
		status, err := evidence.ParseSessionStatus(st)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		f.Status = status
	}
	sessions, err := s.store.ListSessions(r.Context(), f)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req sessionStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	status, err := evidence.ParseSessionStatus(req.Status)
	if err != nil {
		writeStoreError(w, r, &intake.RejectionError{Field: "status", Reason: err.Error()})
		return
	}
	sess, err := s.store.SetSessionStatus(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionUnlock(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.UnlockSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	log.Info().
		Func(mentorotel.LogTraceFields(r.Context())).
		Str("session_id", sess.ID).
		Msg("governance_lock_released")
	writeJSON(w, http.StatusOK, sess)
}

type interactionRequest struct {
	Prompt  string         `json:"prompt"`
	Context map[string]any `json:"context"`
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	var req interactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.orchestrator.ProcessInteraction(r.Context(), chi.URLParam(r, "id"), req.Prompt, req.Context)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type eventRequest struct {
	Kind    string         `json:"kind"`
	Content string         `json:"content"`
	Context map[string]any `json:"context"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	var req eventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.orchestrator.RecordEvent(r.Context(), chi.URLParam(r, "id"), evidence.TraceKind(req.Kind), req.Content, req.Context)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := evidence.TraceFilter{
		Level:      evidence.TraceLevel(q.Get("level")),
		Kind:       evidence.TraceKind(q.Get("kind")),
		State:      q.Get("state"),
		SequenceID: q.Get("sequence_id"),
	}
	if f.Level != "" && !f.Level.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown trace level "+strconv.Quote(string(f.Level)))
		return
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown trace kind "+strconv.Quote(string(f.Kind)))
		return
	}
	f.Limit, f.Offset = pageParams(r)
	traces, err := s.store.ListTraces(r.Context(), id, f)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"traces":     traces,
		"limit":      f.Limit,
		"offset":     f.Offset,
	})
}

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTrace(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTraceVerify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	valid, err := s.store.VerifyTrace(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "valid": valid})
}

func (s *Server) handleSequenceList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	seqs, err := s.store.ListSequences(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "sequences": seqs})
}

func (s *Server) handleSequenceGet(w http.ResponseWriter, r *http.Request) {
	seq, err := s.store.GetSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleSequenceReconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.recorder.ReconcileSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":       rec.Sequence,
		"previous_score": rec.PreviousScore,
		"drift":          rec.Drift,
	})
}

func (s *Server) handleRiskList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	risks, err := s.store.ListRisks(r.Context(), id, includeResolved)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "risks": risks})
}

func (s *Server) handleRiskAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "risk analysis not configured")
		return
	}
	analysis, err := s.analyzer.AnalyzeSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

type riskResolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleRiskResolve(w http.ResponseWriter, r *http.Request) {
	var req riskResolveRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	rk, err := s.store.ResolveRisk(r.Context(), chi.URLParam(r, "id"), req.Note)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rk)
}
