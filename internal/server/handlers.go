package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kyosei-dev/junban/internal/model"
	"github.com/kyosei-dev/junban/internal/service/invalidation"
	"github.com/kyosei-dev/junban/internal/service/ranking"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	rankingSvc          *ranking.Service
	supervisor          *invalidation.Supervisor
	pinger              func(r *http.Request) error
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Ping is optional (nil = health check skips the database probe).
type HandlersDeps struct {
	RankingSvc          *ranking.Service
	Supervisor          *invalidation.Supervisor
	Ping                func(r *http.Request) error
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		rankingSvc:          d.RankingSvc,
		supervisor:          d.Supervisor,
		pinger:              d.Ping,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// scopeFromRequest extracts and validates the scope path parameters.
func scopeFromRequest(r *http.Request) (model.Scope, error) {
	scope := model.Scope{
		EntityID: r.PathValue("entity_id"),
		ItemType: r.PathValue("item_type"),
	}
	return scope, scope.Validate()
}

// HandleSaveRanking handles POST /v1/scopes/{entity_id}/{item_type}/rankings.
func (h *Handlers) HandleSaveRanking(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.SaveRankingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid JSON body: "+err.Error())
		return
	}

	saved, err := h.rankingSvc.SaveRanking(r.Context(), scope, req.UserID, req.OrderedItems)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidRanking,
				verr.Error(), model.ValidationDetails{
					Duplicates: verr.Duplicates,
					Unknown:    verr.Unknown,
					Missing:    verr.Missing,
				})
			return
		}
		h.writeServiceError(w, r, "save ranking", err)
		return
	}

	writeJSON(w, r, http.StatusOK, saved)
}

// HandleGetRanking handles GET /v1/scopes/{entity_id}/{item_type}/rankings/{user_id}.
func (h *Handlers) HandleGetRanking(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id is required")
		return
	}

	rec, err := h.rankingSvc.GetPersonalRanking(r.Context(), scope, userID)
	if err != nil {
		h.writeServiceError(w, r, "get ranking", err)
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no ranking for user in scope")
		return
	}

	writeJSON(w, r, http.StatusOK, rec)
}

// HandleScopeView handles GET /v1/scopes/{entity_id}/{item_type}/view.
// Optional query params: viewer (user id) and filter (sub-group handle).
func (h *Handlers) HandleScopeView(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	viewer := r.URL.Query().Get("viewer")
	filter := r.URL.Query().Get("filter")

	view, err := h.rankingSvc.GetScopeView(r.Context(), scope, viewer, filter)
	if err != nil {
		h.writeServiceError(w, r, "scope view", err)
		return
	}

	writeJSON(w, r, http.StatusOK, view)
}

// HandleActiveSetChanged handles
// POST /v1/scopes/{entity_id}/{item_type}/events/active-set-changed.
// The host platform calls this after mutating a scope's item set;
// delivery is at-least-once and the operation is idempotent.
func (h *Handlers) HandleActiveSetChanged(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromRequest(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	invalidated, err := h.supervisor.OnActiveSetChanged(r.Context(), scope)
	if err != nil {
		h.writeServiceError(w, r, "active-set change", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.InvalidationResponse{Invalidated: invalidated})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if h.pinger != nil {
		if err := h.pinger(r); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			resp.Postgres = "connected"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// writeServiceError logs an unexpected service failure and returns a
// generic 500 so internal details never leak to clients.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed",
		"error", err,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}
