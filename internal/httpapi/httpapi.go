// Package httpapi is the thin chi-based control-surface adapter (spec
// §4, "Control surface"): health/version, read-only run listing and
// describe, run lifecycle mutations gated by an admin token, and a
// gorilla/websocket endpoint that republishes the Run Manager's
// named-event stream live (scheduler events are not forwarded). Grounded in the teacher's
// internal/server (chi router, typed handlers, apperrors-driven error
// responses).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kromosynth/orchestrator/internal/apperrors"
	"github.com/kromosynth/orchestrator/internal/runmanager"
	"github.com/kromosynth/orchestrator/internal/scheduler"
	"github.com/kromosynth/orchestrator/internal/syncmanager"
	"go.uber.org/zap"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Server wires the control-surface routes.
type Server struct {
	router     chi.Router
	runs       *runmanager.Manager
	sched      *scheduler.Scheduler
	syncMgr    *syncmanager.Manager
	adminToken string
	log        *zap.Logger
	upgrader   websocket.Upgrader
}

// New builds a Server ready to be handed to http.Server.
func New(runs *runmanager.Manager, sched *scheduler.Scheduler, syncMgr *syncmanager.Manager, adminToken string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		runs:       runs,
		sched:      sched,
		syncMgr:    syncMgr,
		adminToken: adminToken,
		log:        log,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/", s.handleStartRun)
			r.Post("/{runID}/stop", s.handleStopRun)
			r.Post("/{runID}/pause", s.handlePauseRun)
			r.Post("/{runID}/resume", s.handleResumeRun)
		})
	})

	r.Route("/api/scheduler", func(r chi.Router) {
		r.Get("/", s.handleSchedulerState)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/enable", s.handleSchedulerEnable)
			r.Post("/disable", s.handleSchedulerDisable)
			r.Post("/resume", s.handleSchedulerResume)
		})
	})

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/{runID}", s.handleSyncState)
		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/{runID}/trigger", s.handleSyncTrigger)
		})
	})

	r.Get("/api/events", s.handleEventsWebSocket)

	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token != s.adminToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(apperrors.HTTPErrorResponse{
				Error: apperrors.HTTPErrorBody{Code: string(apperrors.KindExternalSurface), Message: "missing or invalid admin token"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.List())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		apperrors.RespondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type startRunRequest struct {
	TemplateName     string `json:"templateName"`
	EcosystemVariant string `json:"ecosystemVariant"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.RespondWithError(w, apperrors.New(apperrors.KindConfiguration, "httpapi.handleStartRun", "", err))
		return
	}
	run, err := s.runs.StartRun(r.Context(), runmanager.StartInput{
		TemplateName:     req.TemplateName,
		EcosystemVariant: req.EcosystemVariant,
	})
	if err != nil {
		apperrors.RespondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.StopRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		apperrors.RespondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.PauseRun(r.Context(), chi.URLParam(r, "runID"), false)
	if err != nil {
		apperrors.RespondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.ResumeRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		apperrors.RespondWithError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSchedulerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.State())
}

func (s *Server) handleSchedulerEnable(w http.ResponseWriter, r *http.Request) {
	s.sched.Enable(r.Context())
	writeJSON(w, http.StatusOK, s.sched.State())
}

func (s *Server) handleSchedulerDisable(w http.ResponseWriter, r *http.Request) {
	s.sched.Disable()
	writeJSON(w, http.StatusOK, s.sched.State())
}

func (s *Server) handleSchedulerResume(w http.ResponseWriter, r *http.Request) {
	s.sched.ResumeScheduling(r.Context())
	writeJSON(w, http.StatusOK, s.sched.State())
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	state, ok := s.syncMgr.State(runID)
	if !ok {
		apperrors.RespondWithError(w, apperrors.New(apperrors.KindNotFound, "httpapi.handleSyncState", runID, apperrors.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	s.syncMgr.Trigger(r.Context(), runID)
	state, _ := s.syncMgr.State(runID)
	writeJSON(w, http.StatusAccepted, state)
}

// handleEventsWebSocket upgrades the connection and republishes the Run
// Manager's named-event stream as JSON frames until the client
// disconnects (spec §8, "Event bus (to external adapters)").
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	s.log.Info("event stream client connected", zap.String("client", clientID))
	defer s.log.Info("event stream client disconnected", zap.String("client", clientID))

	sub := s.runs.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainClientReads(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

// drainClientReads discards inbound frames so ping/pong and close control
// messages are processed, cancelling ctx once the client disconnects.
func drainClientReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
