package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cwatcher/backend/internal/core"
	"github.com/cwatcher/backend/internal/models"
)

// Error codes carried in the JSON error envelope.
const (
	codeInvalid  = "invalid_input"
	codeNotFound = "not_found"
	codeNoSample = "no_sample"
	codeInternal = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// fail maps core errors onto the envelope's status and code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, core.ErrNoData):
		writeError(w, http.StatusNotFound, codeNoSample, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// serverRequest is the POST body for a new server. Credential fields are
// plaintext here and nowhere past the create call.
type serverRequest struct {
	Name           string                  `json:"name"`
	Host           string                  `json:"host"`
	Port           int                     `json:"port"`
	Username       string                  `json:"username"`
	AuthKind       models.AuthKind         `json:"auth_kind"`
	Password       string                  `json:"password"`
	PrivateKey     string                  `json:"private_key"`
	KeyPassphrase  string                  `json:"key_passphrase"`
	Tags           []string                `json:"tags"`
	Thresholds     *models.ThresholdPolicy `json:"thresholds"`
	MonitorEnabled *bool                   `json:"monitor_enabled"`
}

// serverPatch is the partial-update body; absent fields keep their
// current value.
type serverPatch struct {
	Name            *string                 `json:"name"`
	Host            *string                 `json:"host"`
	Port            *int                    `json:"port"`
	Username        *string                 `json:"username"`
	AuthKind        *models.AuthKind        `json:"auth_kind"`
	Password        *string                 `json:"password"`
	PrivateKey      *string                 `json:"private_key"`
	KeyPassphrase   *string                 `json:"key_passphrase"`
	Tags            *[]string               `json:"tags"`
	Thresholds      *models.ThresholdPolicy `json:"thresholds"`
	ClearThresholds bool                    `json:"clear_thresholds"`
	MonitorEnabled  *bool                   `json:"monitor_enabled"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "malformed JSON body")
		return
	}
	srv, err := s.rt.CreateServer(r.Context(), core.CreateInput{
		Name:           req.Name,
		Host:           req.Host,
		Port:           req.Port,
		Username:       req.Username,
		AuthKind:       req.AuthKind,
		Password:       req.Password,
		PrivateKey:     req.PrivateKey,
		KeyPassphrase:  req.KeyPassphrase,
		Tags:           req.Tags,
		Thresholds:     req.Thresholds,
		MonitorEnabled: req.MonitorEnabled,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.ServerViews())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	srv, err := s.rt.GetServer(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, core.ServerView{Server: srv, Status: s.statusOf(id)})
}

// statusOf finds one server's live status; unknown until observed.
func (s *Server) statusOf(id string) models.ServerStatus {
	for _, st := range s.rt.StatusSnapshot() {
		if st.ServerID == id {
			return st
		}
	}
	return models.ServerStatus{ServerID: id, Kind: models.StatusUnknown}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req serverPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "malformed JSON body")
		return
	}
	srv, err := s.rt.UpdateServer(r.Context(), mux.Vars(r)["id"], core.UpdateInput{
		Name:            req.Name,
		Host:            req.Host,
		Port:            req.Port,
		Username:        req.Username,
		AuthKind:        req.AuthKind,
		Password:        req.Password,
		PrivateKey:      req.PrivateKey,
		KeyPassphrase:   req.KeyPassphrase,
		Tags:            req.Tags,
		Thresholds:      req.Thresholds,
		ClearThresholds: req.ClearThresholds,
		MonitorEnabled:  req.MonitorEnabled,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.DeleteServer(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	res, err := s.rt.TestConnection(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	sample, err := s.rt.GetLatestSample(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// historyResponse wraps ring samples; partial warns that the ring may
// have evicted part of the requested range.
type historyResponse struct {
	ServerID string                  `json:"server_id"`
	Metric   models.MetricKind       `json:"metric"`
	Partial  bool                    `json:"partial"`
	Samples  []*models.MetricsSample `json:"samples"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "from: want RFC 3339")
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, "to: want RFC 3339")
		return
	}

	metric := models.MetricKind(q.Get("metric"))
	samples, partial, err := s.rt.GetSampleHistory(id, metric, from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		ServerID: id,
		Metric:   metric,
		Partial:  partial,
		Samples:  samples,
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func (s *Server) handleSysInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.rt.SystemInfo(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, codeNoSample, "system facts not collected yet")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Overview())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Health())
}
