package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindbrainbody/mbam/internal/store"
)

// userResponse is the JSON shape for a user record.
type userResponse struct {
	ID             int64     `json:"id"`
	Email          string    `json:"email"`
	NumExperiments int       `json:"num_experiments"`
	XNATSubjectID  string    `json:"xnat_subject_id,omitempty"`
	XNATURI        string    `json:"xnat_uri,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// experimentResponse is the JSON shape for an experiment record.
type experimentResponse struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	Date             string    `json:"date"`
	Scanner          string    `json:"scanner,omitempty"`
	NumScans         int       `json:"num_scans"`
	XNATExperimentID string    `json:"xnat_experiment_id,omitempty"`
	XNATURI          string    `json:"xnat_uri,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// scanResponse is the JSON shape for a scan record.
type scanResponse struct {
	ID           int64     `json:"id"`
	ExperimentID int64     `json:"experiment_id"`
	ScanNumber   int       `json:"scan_number"`
	Status       string    `json:"status"`
	Failure      string    `json:"failure,omitempty"`
	XNATScanID   string    `json:"xnat_scan_id,omitempty"`
	XNATURI      string    `json:"xnat_uri,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Email:          u.Email,
		NumExperiments: u.NumExperiments,
		XNATSubjectID:  u.XNATSubjectID,
		XNATURI:        u.XNATURI,
		CreatedAt:      u.CreatedAt,
	}
}

func toExperimentResponse(e store.Experiment) experimentResponse {
	return experimentResponse{
		ID:               e.ID,
		UserID:           e.UserID,
		Date:             e.Date.Format("2006-01-02"),
		Scanner:          e.Scanner,
		NumScans:         e.NumScans,
		XNATExperimentID: e.XNATExperimentID,
		XNATURI:          e.XNATURI,
		CreatedAt:        e.CreatedAt,
	}
}

func toScanResponse(sc store.Scan) scanResponse {
	return scanResponse{
		ID:           sc.ID,
		ExperimentID: sc.ExperimentID,
		ScanNumber:   sc.ScanNumber,
		Status:       sc.Status,
		Failure:      sc.Failure,
		XNATScanID:   sc.XNATScanID,
		XNATURI:      sc.XNATURI,
		CreatedAt:    sc.CreatedAt,
		UpdatedAt:    sc.UpdatedAt,
	}
}

func toScanResponses(scans []store.Scan) []scanResponse {
	out := make([]scanResponse, 0, len(scans))
	for _, sc := range scans {
		out = append(out, toScanResponse(sc))
	}
	return out
}

// pathID parses a numeric URL parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// formID parses a numeric form field.
func formID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.FormValue(name), 10, 64)
	return id, err == nil && id > 0
}

// handleCreateUser registers a new user.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Email)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, toUserResponse(user))
}

// handleGetUser returns a user by id.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "userID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, toUserResponse(user))
}

// handleCreateExperiment registers a scanning session for a user.
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		Date    string `json:"date"`
		Scanner string `json:"scanner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be in YYYY-MM-DD format")
		return
	}

	exp, err := s.store.CreateExperiment(r.Context(), userID, date, req.Scanner)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, toExperimentResponse(exp))
}

// handleGetExperiment returns an experiment by id.
func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "experimentID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid experiment id")
		return
	}
	exp, err := s.store.GetExperiment(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, toExperimentResponse(exp))
}

// handleGetScan returns a scan by id.
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "scanID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid scan id")
		return
	}
	scan, err := s.store.GetScan(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, toScanResponse(scan))
}

// handleListScans returns all scans for an experiment.
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "experimentID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid experiment id")
		return
	}
	scans, err := s.store.ListScans(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"scans": toScanResponses(scans)})
}

// handleListIncompleteScans returns pending scans older than the cutoff, for
// spotting uploads that were abandoned mid-flight. The cutoff defaults to one
// hour and can be overridden with ?older_than=30m.
func (s *Server) handleListIncompleteScans(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Hour
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a duration like 30m")
			return
		}
		olderThan = d
	}
	scans, err := s.store.ListIncompleteScans(r.Context(), olderThan)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"scans": toScanResponses(scans)})
}
