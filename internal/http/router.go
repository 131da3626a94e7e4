// Package httpserver exposes the planner over HTTP: a JSON API for events,
// tasks, search, and sync, plus the operational endpoints (health, readiness,
// metrics, calendar export).
package httpserver

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/weekplan/internal/config"
	httperrors "gitea.jw6.us/james/weekplan/internal/http/errors"
	"gitea.jw6.us/james/weekplan/internal/http/ratelimit"
	"gitea.jw6.us/james/weekplan/internal/metrics"
	"gitea.jw6.us/james/weekplan/internal/planner"
	"gitea.jw6.us/james/weekplan/internal/schedule"
	"gitea.jw6.us/james/weekplan/internal/store"
	"gitea.jw6.us/james/weekplan/internal/syncer"
)

// NewRouter wires all HTTP routes for the API and ops endpoints.
func NewRouter(cfg *config.Config, st *store.Store, pl *planner.Store) http.Handler {
	r := chi.NewRouter()

	// API endpoints: 20 requests per second, burst of 50
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)
	// Sync endpoint: 1 request per second, burst of 3 (each triggers a full pass)
	syncRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(1), 3, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := st.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	h := &apiHandler{planner: pl, userID: cfg.Sync.UserID}

	r.Route("/api", func(r chi.Router) {
		r.Use(apiRateLimiter.Middleware())

		r.Get("/status", h.status)
		r.With(syncRateLimiter.Middleware()).Post("/sync", h.sync)

		r.Get("/events", h.listEvents)
		r.Post("/events", h.createEvent)
		r.Put("/events/{id}", h.updateEvent)
		r.Delete("/events/{id}", h.deleteEvent)
		r.Post("/events/{id}/move", h.moveEvent)

		r.Get("/tasks", h.listTasks)
		r.Post("/tasks", h.createTask)
		r.Put("/tasks/{id}", h.updateTask)
		r.Delete("/tasks/{id}", h.deleteTask)

		r.Get("/search", h.search)
		r.Get("/conflicts", h.conflicts)
	})

	r.Get("/export.ics", h.exportICS)

	return r
}

type apiHandler struct {
	planner *planner.Store
	userID  string
}

func (h *apiHandler) status(w http.ResponseWriter, r *http.Request) {
	httperrors.JSON(w, r, http.StatusOK, h.planner.Sync().Status())
}

func (h *apiHandler) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.planner.Sync().Start(r.Context(), h.userID)
	if err != nil {
		switch {
		case stderrors.Is(err, syncer.ErrThrottled):
			httperrors.Status(w, r, http.StatusTooManyRequests, "sync throttled, try again later")
		case stderrors.Is(err, syncer.ErrOffline):
			httperrors.Status(w, r, http.StatusServiceUnavailable, "server database unreachable")
		case stderrors.Is(err, store.ErrTimeout):
			httperrors.Status(w, r, http.StatusGatewayTimeout, "sync pass timed out")
		default:
			httperrors.InternalError(w, r, err, "sync pass failed")
		}
		return
	}
	httperrors.JSON(w, r, http.StatusOK, res)
}

func (h *apiHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	httperrors.JSON(w, r, http.StatusOK, h.planner.Events())
}

func (h *apiHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	httperrors.JSON(w, r, http.StatusOK, h.planner.Tasks())
}

func (h *apiHandler) createEvent(w http.ResponseWriter, r *http.Request) {
	var ev schedule.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event payload")
		return
	}
	ev.UserID = h.userID
	if !h.planner.AddEvent(r.Context(), ev) {
		h.writePlannerError(w, r)
		return
	}
	httperrors.JSON(w, r, http.StatusCreated, h.planner.Events())
}

func (h *apiHandler) updateEvent(w http.ResponseWriter, r *http.Request) {
	var patch planner.EventPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event patch")
		return
	}
	id := chi.URLParam(r, "id")
	if !h.planner.UpdateEvent(r.Context(), id, patch) {
		h.writePlannerError(w, r)
		return
	}
	ev, _ := h.planner.Event(id)
	httperrors.JSON(w, r, http.StatusOK, ev)
}

func (h *apiHandler) deleteEvent(w http.ResponseWriter, r *http.Request) {
	if !h.planner.DeleteEvent(r.Context(), chi.URLParam(r, "id")) {
		h.writePlannerError(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) moveEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StartTime time.Time `json:"startTime"`
		EndTime   time.Time `json:"endTime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid move payload")
		return
	}
	id := chi.URLParam(r, "id")
	if !h.planner.MoveEvent(r.Context(), id, req.StartTime, req.EndTime) {
		h.writePlannerError(w, r)
		return
	}
	ev, _ := h.planner.Event(id)
	httperrors.JSON(w, r, http.StatusOK, ev)
}

func (h *apiHandler) createTask(w http.ResponseWriter, r *http.Request) {
	var task schedule.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid task payload")
		return
	}
	task.UserID = h.userID
	if !h.planner.AddTask(r.Context(), task) {
		h.writePlannerError(w, r)
		return
	}
	httperrors.JSON(w, r, http.StatusCreated, h.planner.Tasks())
}

func (h *apiHandler) updateTask(w http.ResponseWriter, r *http.Request) {
	var patch planner.TaskPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		httperrors.BadRequestError(w, r, err, "invalid task patch")
		return
	}
	id := chi.URLParam(r, "id")
	if !h.planner.UpdateTask(r.Context(), id, patch) {
		h.writePlannerError(w, r)
		return
	}
	task, _ := h.planner.Task(id)
	httperrors.JSON(w, r, http.StatusOK, task)
}

func (h *apiHandler) deleteTask(w http.ResponseWriter, r *http.Request) {
	if !h.planner.DeleteTask(r.Context(), chi.URLParam(r, "id")) {
		h.writePlannerError(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		httperrors.Status(w, r, http.StatusBadRequest, "missing query parameter q")
		return
	}
	hits := h.planner.SearchEvents(q)
	if hits == nil {
		hits = []planner.Entry{}
	}
	httperrors.JSON(w, r, http.StatusOK, hits)
}

func (h *apiHandler) conflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.planner.DetectOverlaps()
	if conflicts == nil {
		conflicts = []schedule.OverlapConflict{}
	}
	httperrors.JSON(w, r, http.StatusOK, conflicts)
}

func (h *apiHandler) exportICS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="weekplan.ics"`)
	_, _ = w.Write([]byte(h.planner.ExportICS("Weekplan")))
}

// writePlannerError maps the planner's last error onto an HTTP status.
func (h *apiHandler) writePlannerError(w http.ResponseWriter, r *http.Request) {
	err := h.planner.Err()
	switch {
	case err == nil:
		httperrors.Status(w, r, http.StatusInternalServerError, "operation failed")
	case stderrors.Is(err, store.ErrValidation):
		httperrors.Status(w, r, http.StatusBadRequest, err.Error())
	case stderrors.Is(err, store.ErrNotFound):
		httperrors.Status(w, r, http.StatusNotFound, err.Error())
	case stderrors.Is(err, planner.ErrMutationPending):
		httperrors.Status(w, r, http.StatusConflict, err.Error())
	case stderrors.Is(err, store.ErrTimeout):
		httperrors.Status(w, r, http.StatusGatewayTimeout, err.Error())
	case stderrors.Is(err, store.ErrTransient):
		httperrors.Status(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		httperrors.Status(w, r, http.StatusConflict, err.Error())
	}
}
