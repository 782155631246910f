package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"catalog-curator/internal/catalog"
	"catalog-curator/internal/models"
	"catalog-curator/internal/queue"
	"catalog-curator/internal/reconcile"
	"catalog-curator/internal/session"
	"catalog-curator/internal/store"
	"catalog-curator/internal/telemetry"
)

// Queue is the admission controller's management surface.
type Queue interface {
	List() []models.Job
	Get(id string) (models.Job, bool)
	Cancel(id, reason string) error
	Prioritize(id string, priority *int) error
	Pause(scope queue.Scope) error
	Resume(scope queue.Scope) error
	SetCapacity(credential, noCredential *int) queue.Capacity
	Capacity() queue.Capacity
	Stats() queue.Stats
	ReapZombies(threshold time.Duration, types ...models.JobType) []string
}

type Sessions interface {
	Start(ctx context.Context, subscriptionID int64) (string, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Get(id string) (session.View, bool)
	List() []session.View
	ForSubscription(subscriptionID int64) (session.View, bool)
	Clear(id string) error
}

type Reconciler interface {
	Run(ctx context.Context) (reconcile.Stats, error)
	Last() (reconcile.Stats, time.Time, bool)
}

// Credentials is the administrative credential surface. Optional.
type Credentials interface {
	Reactivate(ctx context.Context, id int64) error
}

// Pinger reports database reachability for /healthz. Optional.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Limiter throttles session starts. Optional.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the management API.
type Server struct {
	queue       Queue
	sessions    Sessions
	reconciler  Reconciler
	credentials Credentials
	state       catalog.StateStore
	db          Pinger
	limiter     Limiter
	validate    *validator.Validate
	zombieAfter time.Duration
}

type Deps struct {
	Queue       Queue
	Sessions    Sessions
	Reconciler  Reconciler
	Credentials Credentials
	State       catalog.StateStore
	DB          Pinger
	Limiter     Limiter
	// ZombieAfter is the default reap threshold.
	ZombieAfter time.Duration
}

// New constructs the API server.
func New(deps Deps) *Server {
	if deps.ZombieAfter <= 0 {
		deps.ZombieAfter = 20 * time.Minute
	}
	return &Server{
		queue:       deps.Queue,
		sessions:    deps.Sessions,
		reconciler:  deps.Reconciler,
		credentials: deps.Credentials,
		state:       deps.State,
		db:          deps.DB,
		limiter:     deps.Limiter,
		validate:    validator.New(),
		zombieAfter: deps.ZombieAfter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/queue", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/prioritize", s.handlePrioritize)
		r.Post("/pause", s.handlePause(true))
		r.Post("/resume", s.handlePause(false))
		r.Get("/capacity", s.handleGetCapacity)
		r.Put("/capacity", s.handleSetCapacity)
		r.Get("/stats", s.handleStats)
		r.Post("/reap", s.handleReap)
	})

	r.Post("/subscriptions/{id}/sessions", s.handleStartSession)
	r.Get("/subscriptions/{id}/session", s.handleSubscriptionSession)
	r.Get("/subscriptions/{id}/sync", s.handleSyncStatus)

	r.Get("/sessions", s.handleListSessions)
	r.Get("/sessions/{id}", s.handleGetSession)
	r.Post("/sessions/{id}/pause", s.handleSessionAction(s.sessionsPause))
	r.Post("/sessions/{id}/resume", s.handleSessionAction(s.sessionsResume))
	r.Post("/sessions/{id}/cancel", s.handleSessionAction(s.sessionsCancel))
	r.Delete("/sessions/{id}", s.handleClearSession)

	if s.credentials != nil {
		r.Post("/credentials/{id}/reactivate", s.handleReactivateCredential)
	}

	r.Get("/reconcile", s.handleLastReconcile)
	r.Post("/reconcile", s.handleReconcile)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.queue.List()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancel requested via API"
	}
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(id, req.Reason); err != nil {
		s.queueError(w, err)
		return
	}
	job, _ := s.queue.Get(id)
	writeJSON(w, http.StatusOK, job)
}

type prioritizeRequest struct {
	Priority *int `json:"priority" validate:"omitempty,min=0,max=100"`
}

func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	var req prioritizeRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.queue.Prioritize(id, req.Priority); err != nil {
		s.queueError(w, err)
		return
	}
	job, _ := s.queue.Get(id)
	writeJSON(w, http.StatusOK, job)
}

type pauseRequest struct {
	Scope string `json:"scope" validate:"omitempty,oneof=all credential no_credential"`
}

func (s *Server) handlePause(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pauseRequest
		if !s.decode(w, r, &req, true) {
			return
		}
		scope := queue.ScopeAll
		if req.Scope != "" {
			scope = queue.Scope(req.Scope)
		}
		var err error
		if pause {
			err = s.queue.Pause(scope)
		} else {
			err = s.queue.Resume(scope)
		}
		if err != nil {
			s.queueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.queue.Stats())
	}
}

func (s *Server) handleGetCapacity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Capacity())
}

type capacityRequest struct {
	Credential   *int `json:"credential"`
	NoCredential *int `json:"no_credential"`
}

// handleSetCapacity accepts either channel; values outside the allowed range
// are clamped by the controller.
func (s *Server) handleSetCapacity(w http.ResponseWriter, r *http.Request) {
	var req capacityRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if req.Credential == nil && req.NoCredential == nil {
		writeError(w, http.StatusBadRequest, "credential or no_credential is required")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.SetCapacity(req.Credential, req.NoCredential))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

type reapRequest struct {
	ThresholdSeconds int      `json:"threshold_seconds" validate:"omitempty,min=1"`
	Types            []string `json:"types" validate:"omitempty,dive,oneof=list_fetch download metadata_probe catalog_parse"`
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	threshold := s.zombieAfter
	if req.ThresholdSeconds > 0 {
		threshold = time.Duration(req.ThresholdSeconds) * time.Second
	}
	types := make([]models.JobType, 0, len(req.Types))
	for _, t := range req.Types {
		types = append(types, models.JobType(t))
	}
	reaped := s.queue.ReapZombies(threshold, types...)
	if reaped == nil {
		reaped = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reaped": reaped})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sid, ok := subscriptionParam(w, r)
	if !ok {
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:sessions:%d", sid))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.StartRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}
	id, err := s.sessions.Start(r.Context(), sid)
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		view, _ := s.sessions.Get(id)
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "session": view})
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view, _ := s.sessions.Get(id)
	writeJSON(w, http.StatusAccepted, view)
}

func (s *Server) handleSubscriptionSession(w http.ResponseWriter, r *http.Request) {
	sid, ok := subscriptionParam(w, r)
	if !ok {
		return
	}
	view, found := s.sessions.ForSubscription(sid)
	if !found {
		writeError(w, http.StatusNotFound, "no session for subscription")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	sid, ok := subscriptionParam(w, r)
	if !ok {
		return
	}
	if s.state == nil {
		writeError(w, http.StatusNotFound, "sync status unavailable")
		return
	}
	status, found, err := catalog.LoadSyncStatus(r.Context(), s.state, sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "subscription never synced")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) sessionsPause(id string) error  { return s.sessions.Pause(id) }
func (s *Server) sessionsResume(id string) error { return s.sessions.Resume(id) }
func (s *Server) sessionsCancel(id string) error { return s.sessions.Cancel(id) }

func (s *Server) handleSessionAction(action func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := action(id); err != nil {
			sessionError(w, err)
			return
		}
		view, _ := s.sessions.Get(id)
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Clear(chi.URLParam(r, "id")); err != nil {
		sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReactivateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	err = s.credentials.Reactivate(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "credential not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": true})
}

func (s *Server) handleLastReconcile(w http.ResponseWriter, _ *http.Request) {
	stats, at, ok := s.reconciler.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no reconcile pass yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "finished_at": at})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reconciler.Run(r.Context())
	if errors.Is(err, reconcile.ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		log.Printf("[api] event=reconcile_failed err=%v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if r.Body != nil {
		err := json.NewDecoder(r.Body).Decode(dst)
		if err != nil && !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return false
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func (s *Server) queueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrBadScope):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func subscriptionParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
