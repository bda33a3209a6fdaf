package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hopper-run/hopper/internal/hoppercore"
	"github.com/hopper-run/hopper/internal/instance"
	"github.com/hopper-run/hopper/pkg/hopperapi"
)

// Server is the minimal HTTP surface over System: instances, tasks, routing,
// delegate/accept/complete, feedback and consolidation (there are no
// reject or cancel delegation endpoints), grounded in core.BaseAgent.Start's
// mux + middleware-stack idiom (core/agent.go).
type Server struct {
	sys    *System
	mux    *http.ServeMux
	server *http.Server
}

func NewServer(sys *System) *Server {
	s := &Server{sys: sys, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/instances", s.handleInstances)
	s.mux.HandleFunc("/api/tasks", s.handleTasks)
	s.mux.HandleFunc("/api/tasks/route", s.handleRoute)
	s.mux.HandleFunc("/api/delegations/delegate", s.handleDelegate)
	s.mux.HandleFunc("/api/delegations/accept", s.handleDelegationVerb(s.sys.Delegation.Accept))
	s.mux.HandleFunc("/api/delegations/complete", s.handleComplete)
	s.mux.HandleFunc("/api/feedback", s.handleFeedback)
	s.mux.HandleFunc("/api/consolidation/run", s.handleConsolidate)
}

// Start brings up the HTTP server, wrapping the mux in panic-recovery and
// request-logging middleware, exactly the order core.BaseAgent.Start uses
// (recovery innermost, logging outside it).
func (s *Server) Start(ctx context.Context, port int) error {
	var handler http.Handler = s.mux
	handler = recoveryMiddleware(s.sys.Log)(handler)
	handler = loggingMiddleware(s.sys.Log, s.sys.Config.Development)(handler)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.sys.Log.Info("starting hopperd", map[string]interface{}{"port": port})
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": s.sys.Config.ServiceName})
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var inst hopperapi.Instance
		if !decodeJSON(w, r, &inst) {
			return
		}
		if err := s.sys.Registry.Create(r.Context(), &inst); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inst)
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		inst, err := s.sys.Registry.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var task hopperapi.Task
		if !decodeJSON(w, r, &task) {
			return
		}
		if err := s.sys.Tasks.Create(r.Context(), &task); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	case http.MethodGet:
		id := r.URL.Query().Get("id")
		task, err := s.sys.Tasks.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type routeRequest struct {
	TaskID   string `json:"task_id"`
	SourceID string `json:"source_instance_id"`
}

// handleRoute runs the five-strategy resolver, then records the decision
// as a routing episode via the learning facade so the decision is visible
// to later consolidation/feedback, matching routing.py's route-then-record
// pairing (spec §4.2/§4.9).
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req routeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.sys.Tasks.Get(r.Context(), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	source, err := s.sys.Registry.Get(r.Context(), req.SourceID)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.sys.Router.Route(r.Context(), task, source)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.sys.Learning.RecordRouting(r.Context(), task, result.Target, result.Confidence, result.Strategy, result.Reasoning, nil); err != nil {
		s.sys.Log.Warn("failed to record routing episode", map[string]interface{}{"error": err.Error()})
	}
	writeJSON(w, http.StatusOK, result)
}

type delegateRequest struct {
	TaskID   string `json:"task_id"`
	TargetID string `json:"target_instance_id"`
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req delegateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	task, err := s.sys.Tasks.Get(r.Context(), req.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := s.sys.Registry.Get(r.Context(), req.TargetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !instance.CanDelegate(mustSourceInstance(r.Context(), s.sys, task), target) {
		writeError(w, hoppercore.Validation("hopperd.handleDelegate", "target_instance_id", "not a valid delegation target"))
		return
	}
	d, err := s.sys.Delegation.Delegate(r.Context(), task, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func mustSourceInstance(ctx context.Context, sys *System, task *hopperapi.Task) *hopperapi.Instance {
	source, err := sys.Registry.Get(ctx, task.InstanceID)
	if err != nil {
		return &hopperapi.Instance{}
	}
	return source
}

type delegationVerbRequest struct {
	DelegationID string `json:"delegation_id"`
}

func (s *Server) handleDelegationVerb(verb func(context.Context, string) (*hopperapi.Delegation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req delegationVerbRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		d, err := verb(r.Context(), req.DelegationID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

type completeRequest struct {
	DelegationID string                 `json:"delegation_id"`
	Result       map[string]interface{} `json:"result,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.sys.Delegation.Complete(r.Context(), req.DelegationID, req.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var fb hopperapi.Feedback
	if !decodeJSON(w, r, &fb) {
		return
	}
	if err := s.sys.Learning.ProcessFeedback(r.Context(), &fb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

type consolidationRequest struct {
	MinEpisodes   int     `json:"min_episodes,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req consolidationRequest
	_ = decodeJSONOptional(r, &req)
	minEpisodes := req.MinEpisodes
	if minEpisodes <= 0 {
		minEpisodes = s.sys.Config.ConsolidationMinEpisodes
	}
	minConfidence := req.MinConfidence
	if minConfidence <= 0 {
		minConfidence = s.sys.Config.ConsolidationMinConfidence
	}
	summary, err := s.sys.Learning.RunConsolidation(r.Context(), time.Time{}, minEpisodes, minConfidence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// decodeJSONOptional tolerates an empty body, for endpoints whose request
// fields are all optional (e.g. consolidation's min_episodes override).
func decodeJSONOptional(r *http.Request, v interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case hoppercore.IsNotFound(err):
		status = http.StatusNotFound
	case hoppercore.IsValidation(err), hoppercore.IsInvalidStateTransition(err):
		status = http.StatusBadRequest
	case hoppercore.IsActiveDelegationExists(err), hoppercore.IsConflictingUpdate(err):
		status = http.StatusConflict
	case hoppercore.IsCapacityExceeded(err), hoppercore.IsRoutingUnavailable(err):
		status = http.StatusServiceUnavailable
	case hoppercore.IsTimeout(err):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
