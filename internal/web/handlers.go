package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/lucasnoah/specfactory/internal/analytics"
	"github.com/lucasnoah/specfactory/internal/pipeline"
)

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound), errors.Is(err, pipeline.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errUnavailable):
		code = http.StatusServiceUnavailable
	default:
		s.logger.Warn("request failed", zap.Error(err))
	}
	s.writeJSON(w, code, errorBody{Error: err.Error()})
}

var errUnavailable = errors.New("not available on this server")

// handleStatusAll lists every active run.
func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	infos, err := s.status.StatusAll()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, infos)
}

// handleStatus shows one run, falling back to its latest archive.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	specID := r.PathValue("spec")
	if err := pipeline.ValidateSpecID(specID); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	info, err := s.status.Status(specID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleHistory returns the logged pipeline events of one spec.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	specID := r.PathValue("spec")
	if err := pipeline.ValidateSpecID(specID); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.db == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "event log"))
		return
	}
	evs, err := s.db.GetPipelineEvents(specID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(evs) == 0 {
		s.writeError(w, errors.Wrapf(pipeline.ErrNotFound, "events for %s", specID))
		return
	}
	s.writeJSON(w, http.StatusOK, evs)
}

// handleActivity returns the most recent events across every spec.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "event log"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	evs, err := s.recentActivity(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, evs)
}

// Summary is the body of /analytics.
type Summary struct {
	Steps       []analytics.StepDuration     `json:"steps"`
	Roles       []analytics.RoleOutcome      `json:"roles"`
	Resolutions *analytics.ResolutionSummary `json:"resolutions"`
	Throughput  *analytics.Throughput        `json:"throughput"`
}

// handleAnalytics summarizes the event log. ?since=YYYY-MM-DD limits the window.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		s.writeError(w, errors.Wrap(errUnavailable, "event log"))
		return
	}
	since := r.URL.Query().Get("since")

	var sum Summary
	var err error
	if sum.Steps, err = analytics.QueryStepDurations(s.db, since); err != nil {
		s.writeError(w, err)
		return
	}
	if sum.Roles, err = analytics.QueryRoleOutcomes(s.db, since); err != nil {
		s.writeError(w, err)
		return
	}
	if sum.Resolutions, err = analytics.QueryResolutions(s.db, since); err != nil {
		s.writeError(w, err)
		return
	}
	if sum.Throughput, err = analytics.QueryThroughput(s.db, since); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}
