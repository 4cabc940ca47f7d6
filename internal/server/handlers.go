package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/engagement/internal/model"
	"github.com/devrev/engagement/internal/scheduler"
	"github.com/devrev/engagement/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	codeInvalidRequest = "INVALID_REQUEST"
	codeNotFound       = "NOT_FOUND"
	codeConflict       = "CONFLICT"
	codeUnavailable    = "SERVICE_UNAVAILABLE"
	codeInternal       = "INTERNAL_ERROR"

	defaultLeaderboardSize = 20
	defaultRepairLimit     = 50
)

// ErrorResponse is the body of every non-2xx admin response
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type jobStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

type triggerResponse struct {
	Job   string `json:"job"`
	RunID string `json:"run_id"`
}

type countsBody struct {
	Likes     int64 `json:"likes"`
	Comments  int64 `json:"comments"`
	Views     int64 `json:"views"`
	Favorites int64 `json:"favorites"`
}

type repairBody struct {
	RepairID   string     `json:"repair_id"`
	Source     string     `json:"source"`
	Before     countsBody `json:"before"`
	After      countsBody `json:"after"`
	RepairedAt time.Time  `json:"repaired_at"`
}

type reconcileResponse struct {
	Entity     string `json:"entity"`
	DBRepaired bool   `json:"db_repaired"`
	CacheFixes int    `json:"cache_fixes"`
	Populated  int    `json:"populated"`
	Skipped    bool   `json:"skipped"`
}

type leaderboardResponse struct {
	EntityType string   `json:"entity_type"`
	IDs        []string `json:"ids"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Jobs.Jobs()
	jobs := make([]jobStatus, len(names))
	for i, name := range names {
		jobs[i] = jobStatus{Name: name, Running: s.deps.Jobs.Running(name)}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) triggerJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	runID, err := s.deps.Jobs.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, r, http.StatusNotFound, codeNotFound, "unknown job "+name)
		return
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, r, http.StatusConflict, codeConflict, "job "+name+" is already running")
		return
	case err != nil:
		s.logger.Error("Failed to trigger job", zap.String("job", name), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, err.Error())
		return
	}

	s.logger.Info("Job triggered manually",
		zap.String("job", name),
		zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, triggerResponse{Job: name, RunID: runID})
}

func (s *Server) reconcileEntity(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}

	report, err := s.deps.Repairer.ReconcileEntity(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, codeNotFound, ref.String()+" not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to reconcile entity", zap.String("entity", ref.String()), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, err.Error())
		return
	}
	if report.Skipped {
		writeError(w, r, http.StatusConflict, codeConflict, "a repair of "+ref.String()+" is already running")
		return
	}

	writeJSON(w, http.StatusOK, reconcileResponse{
		Entity:     ref.String(),
		DBRepaired: report.DBRepaired,
		CacheFixes: report.CacheFixes,
		Populated:  report.Populated,
	})
}

func (s *Server) listRepairs(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityRef(w, r)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", defaultRepairLimit)
	if !ok {
		return
	}

	repairs, err := s.deps.RepairLog.ListRepairs(r.Context(), ref, limit)
	if err != nil {
		s.logger.Error("Failed to list repairs", zap.String("entity", ref.String()), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "repair log unavailable")
		return
	}

	body := make([]repairBody, len(repairs))
	for i, rep := range repairs {
		body[i] = repairBody{
			RepairID:   rep.RepairID,
			Source:     string(rep.Source),
			Before:     toCountsBody(rep.Before),
			After:      toCountsBody(rep.After),
			RepairedAt: rep.RepairedAt,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) topN(w http.ResponseWriter, r *http.Request) {
	entityType, err := model.ParseEntityType(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	n, ok := intParam(w, r, "n", defaultLeaderboardSize)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, leaderboardResponse{
		EntityType: string(entityType),
		IDs:        s.deps.Leaderboard.TopN(r.Context(), entityType, n),
	})
}

func entityRef(w http.ResponseWriter, r *http.Request) (model.EntityRef, bool) {
	vars := mux.Vars(r)
	entityType, err := model.ParseEntityType(vars["type"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return model.EntityRef{}, false
	}
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, "invalid id")
		return model.EntityRef{}, false
	}
	return model.EntityRef{Type: entityType, ID: id}, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		writeError(w, r, http.StatusBadRequest, codeInvalidRequest, name+" must be a positive integer")
		return 0, false
	}
	return v, true
}

func toCountsBody(c model.Counts) countsBody {
	return countsBody{Likes: c.Likes, Comments: c.Comments, Views: c.Views, Favorites: c.Favorites}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, errorCode, message string) {
	writeJSON(w, code, ErrorResponse{
		Status:    "error",
		ErrorCode: errorCode,
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}
