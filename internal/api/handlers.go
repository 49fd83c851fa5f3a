package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dense-identity/callfwd/internal/forwarding"
)

type AttemptResponse struct {
	ID               string `json:"id"`
	Generation       uint64 `json:"generation"`
	RequestedEnabled bool   `json:"requested_enabled"`
	CarrierID        string `json:"carrier_id"`
	StartedAt        string `json:"started_at"`
	DialStartTime    string `json:"dial_start_time,omitempty"`
}

type StateResponse struct {
	Enabled          bool             `json:"enabled"`
	Status           string           `json:"status"`
	Phase            string           `json:"phase"`
	LastChecked      string           `json:"last_checked,omitempty"`
	LastKnownGood    string           `json:"last_known_good,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	IsSupported      bool             `json:"is_supported"`
	CarrierID        string           `json:"carrier_id"`
	PendingPrompt    string           `json:"pending_prompt,omitempty"`
	PendingPrompts   []string         `json:"pending_prompts,omitempty"`
	MismatchPrompted bool             `json:"mismatch_prompted"`
	Attempt          *AttemptResponse `json:"attempt,omitempty"`
	PollerRunning    bool             `json:"poller_running"`
}

type PromptResponse struct {
	ID        string   `json:"id"`
	Kind      string   `json:"kind"`
	Title     string   `json:"title"`
	Message   string   `json:"message"`
	Choices   []string `json:"choices"`
	CreatedAt string   `json:"created_at"`
}

type CarrierResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	EnableCode  string `json:"enable_code"`
	DisableCode string `json:"disable_code"`
}

type SetCarrierRequest struct {
	CarrierID string `json:"carrier_id"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Server) stateResponse() StateResponse {
	snap := s.ctrl.State()
	resp := StateResponse{
		Enabled:          snap.Enabled,
		Status:           snap.Status.String(),
		Phase:            snap.Phase.String(),
		LastChecked:      formatTime(snap.LastChecked),
		LastKnownGood:    formatTime(snap.LastKnownGood),
		ErrorMessage:     snap.ErrorMessage,
		IsSupported:      snap.IsSupported,
		CarrierID:        snap.CarrierID,
		PendingPrompt:    string(snap.PendingPrompt),
		MismatchPrompted: snap.MismatchPrompted,
		PollerRunning:    s.ctrl.Poller().Running(),
	}
	for _, k := range snap.PendingPrompts {
		resp.PendingPrompts = append(resp.PendingPrompts, string(k))
	}
	if a := snap.Attempt; a != nil {
		resp.Attempt = &AttemptResponse{
			ID:               a.ID,
			Generation:       a.Generation,
			RequestedEnabled: a.RequestedEnabled,
			CarrierID:        a.CarrierID,
			StartedAt:        formatTime(a.StartedAt),
			DialStartTime:    formatTime(a.DialStartTime),
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GetStateHandler returns the current forwarding snapshot.
func (s *Server) GetStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stateResponse())
}

// ToggleHandler starts a toggle and returns the state right after it. The
// outcome arrives later; clients poll GET /forwarding.
func (s *Server) ToggleHandler(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Toggle()
	writeJSON(w, http.StatusAccepted, s.stateResponse())
}

func (s *Server) CheckHandler(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Poller().CheckNow()
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) SetCarrierHandler(w http.ResponseWriter, r *http.Request) {
	var req SetCarrierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, known := s.codes.Lookup(req.CarrierID); !known {
		http.Error(w, "unknown carrier: "+req.CarrierID, http.StatusBadRequest)
		return
	}
	s.ctrl.SetCarrier(req.CarrierID)
	writeJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) foregroundHandler(fg bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.bridge.SetForeground(fg)
		w.WriteHeader(http.StatusNoContent)
	}
}

// surfaceHandler starts the poller while the forwarding screen is shown.
func (s *Server) surfaceHandler(visible bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if visible {
			s.ctrl.Poller().Start()
		} else {
			s.ctrl.Poller().Stop()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ListCarriersHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.codes.Carriers()
	out := make([]CarrierResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, CarrierResponse{
			ID:          e.CarrierID,
			DisplayName: e.DisplayName,
			EnableCode:  e.EnableCode,
			DisableCode: e.DisableCode,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) PendingPromptsHandler(w http.ResponseWriter, r *http.Request) {
	pending := s.broker.Pending()
	out := make([]PromptResponse, 0, len(pending))
	for _, p := range pending {
		choices := make([]string, len(p.Choices))
		for i, c := range p.Choices {
			choices[i] = string(c)
		}
		out = append(out, PromptResponse{
			ID:        p.ID,
			Kind:      string(p.Kind),
			Title:     p.Title,
			Message:   p.Message,
			Choices:   choices,
			CreatedAt: formatTime(p.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// AnswerPromptHandler delivers a choice, or "dismissed", for a pending prompt.
func (s *Server) AnswerPromptHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	choice := forwarding.Choice(strings.ToLower(vars["choice"]))

	if err := s.broker.Answer(id, choice); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, forwarding.ErrPromptNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, s.stateResponse())
}
