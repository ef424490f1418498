package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/aegisrpa/aegis/internal/admission"
	"github.com/aegisrpa/aegis/internal/observability"
	"github.com/aegisrpa/aegis/internal/session"
	"github.com/aegisrpa/aegis/internal/status"
	"github.com/aegisrpa/aegis/internal/store"
)

// Server exposes the REST and WebSocket surface over the orchestration core.
type Server struct {
	queue      *admission.Queue
	manager    *session.Manager
	history    *store.HistoryStore
	publisher  *status.Publisher
	router     *httprouter.Router
	httpServer *http.Server
}

func NewServer(queue *admission.Queue, manager *session.Manager, history *store.HistoryStore, publisher *status.Publisher, host string, port int) *Server {
	s := &Server{
		queue:     queue,
		manager:   manager,
		history:   history,
		publisher: publisher,
		router:    httprouter.New(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleHealth)
	s.router.POST("/api/tasks", s.handleSubmit)
	s.router.GET("/api/sessions/:id", s.handleGetSession)
	s.router.POST("/api/sessions/:id/cancel", s.handleCancel)
	s.router.GET("/api/history", s.handleHistory)
	s.router.GET("/api/history/:id", s.handleHistoryByID)
	s.router.GET("/ws/:id", s.handleWebSocket)
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state, active, lastHeartbeat := observability.GetStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "aegis",
		"queued":         s.queue.Depth(),
		"worker_state":   state,
		"active_session": active,
		"last_heartbeat": lastHeartbeat.UTC(),
	})
}

type submitRequest struct {
	Instruction string `json:"instruction"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := s.queue.Submit(req.Instruction)
	if err != nil {
		if errors.Is(err, admission.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     string(session.StatusPending),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if live := s.manager.Get(id); live != nil {
		writeJSON(w, http.StatusOK, live)
		return
	}

	// Sessions from before a restart only exist in the history store.
	stored, err := s.history.LoadByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if stored == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	requested, err := s.manager.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !requested {
		// Already terminal; report current state rather than an error.
		current := s.manager.Get(id)
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": id,
			"status":     string(current.Status),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     "cancellation_requested",
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		fmt.Sscanf(q, "%d", &limit)
	}
	summaries, err := s.history.LoadAll(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHistoryByID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	stored, err := s.history.LoadByID(ps.ByName("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if stored == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
