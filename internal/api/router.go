// Package api exposes the forwarding engine to a local presentation layer
// over HTTP.
package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dense-identity/callfwd/internal/carrier"
	"github.com/dense-identity/callfwd/internal/eventbridge"
	"github.com/dense-identity/callfwd/internal/forwarding"
)

// Server holds what the handlers drive. It has no state of its own.
type Server struct {
	ctrl   *forwarding.Controller
	bridge *eventbridge.Bridge
	broker *forwarding.Broker
	codes  *carrier.Table
}

// NewServer bundles the collaborators the handlers need.
func NewServer(ctrl *forwarding.Controller, bridge *eventbridge.Bridge, broker *forwarding.Broker, codes *carrier.Table) *Server {
	return &Server{ctrl: ctrl, bridge: bridge, broker: broker, codes: codes}
}

// NewRouter registers every route on a gorilla/mux router.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")

	r.HandleFunc("/forwarding", s.GetStateHandler).Methods("GET")
	r.HandleFunc("/forwarding/toggle", s.ToggleHandler).Methods("POST")
	r.HandleFunc("/forwarding/check", s.CheckHandler).Methods("POST")
	r.HandleFunc("/forwarding/carrier", s.SetCarrierHandler).Methods("POST")

	r.HandleFunc("/app/foreground", s.foregroundHandler(true)).Methods("POST")
	r.HandleFunc("/app/background", s.foregroundHandler(false)).Methods("POST")
	r.HandleFunc("/surface/visible", s.surfaceHandler(true)).Methods("POST")
	r.HandleFunc("/surface/hidden", s.surfaceHandler(false)).Methods("POST")

	r.HandleFunc("/carriers", s.ListCarriersHandler).Methods("GET")
	r.HandleFunc("/prompts/pending", s.PendingPromptsHandler).Methods("GET")
	r.HandleFunc("/prompts/{id}/{choice}", s.AnswerPromptHandler).Methods("POST")

	r.Use(logRequests)
	return r
}

// HealthHandler reports 503 while the controller sits in Error.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "ERROR")
		return
	}
	fmt.Fprintln(w, "OK")
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[API] %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
