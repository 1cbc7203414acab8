package datasync

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/pkg/pagination"
)

// Handler exposes the sync API.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers sync endpoints on the provided route group.
//
//	POST   /sync/events                - Publish a sync event (fire-and-forget)
//	GET    /sync/events                - List results (paginated, ?status=)
//	GET    /sync/events/:id            - Status of one event
//	POST   /sync/events/:id/cancel     - Cancel a still-pending event
//	GET    /sync/metrics               - Aggregated throughput rows
//	GET    /sync/conflicts             - List conflicts (paginated, ?status= ?event_id=)
//	GET    /sync/conflicts/:id         - One conflict record
//	POST   /sync/conflicts/:id/resolve - Apply a resolution policy manually
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/sync/events", h.PublishEvent)
	api.GET("/sync/events", h.ListEvents)
	api.GET("/sync/events/:id", h.GetSyncStatus)
	api.POST("/sync/events/:id/cancel", h.CancelEvent)
	api.GET("/sync/metrics", h.GetSyncMetrics)
	api.GET("/sync/conflicts", h.ListConflicts)
	api.GET("/sync/conflicts/:id", h.GetConflict)
	api.POST("/sync/conflicts/:id/resolve", h.ResolveConflict)
}

func (h *Handler) PublishEvent(c echo.Context) error {
	var ev Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id, err := h.engine.PublishEvent(c.Request().Context(), &ev)
	if err != nil {
		return publishError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"event_id": id,
		"status":   StatusPending,
	})
}

func publishError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrQueueFull):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync queue is full, retry later")
	case errors.Is(err, ErrEngineStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync engine is not running")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	status := Status(c.QueryParam("status"))
	results, total, err := h.engine.ListResults(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(results, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSyncStatus(c echo.Context) error {
	res, err := h.engine.GetSyncStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "sync event not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CancelEvent(c echo.Context) error {
	res, err := h.engine.CancelEvent(c.Request().Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "sync event not found")
		case errors.Is(err, ErrNotCancellable):
			return echo.NewHTTPError(http.StatusConflict, "event already left the pending state")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSyncMetrics(c echo.Context) error {
	f := MetricsFilter{
		Source:     c.QueryParam("source"),
		Target:     c.QueryParam("target"),
		EntityType: EntityType(c.QueryParam("entity_type")),
	}
	if raw := c.QueryParam("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window_hours must be a non-negative integer")
		}
		f.WindowHours = hours
	}
	rows, err := h.engine.GetSyncMetrics(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows == nil {
		rows = []*Metric{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  rows,
		"count": len(rows),
	})
}

func (h *Handler) ListConflicts(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ConflictFilter{
		EventID:    c.QueryParam("event_id"),
		Resolution: ResolutionStatus(c.QueryParam("status")),
	}
	conflicts, total, err := h.engine.ListConflicts(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(conflicts, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetConflict(c echo.Context) error {
	conflict, err := h.engine.GetConflict(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conflict)
}

type resolveRequest struct {
	Policy Policy `json:"policy"`
}

func (h *Handler) ResolveConflict(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conflict, err := h.engine.ResolveConflict(c.Request().Context(), c.Param("id"), req.Policy)
	if err != nil {
		var ve *ValidationError
		switch {
		case errors.As(err, &ve):
			return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "conflict not found")
		case errors.Is(err, ErrAlreadyResolved):
			return echo.NewHTTPError(http.StatusConflict, "conflict already resolved")
		case errors.Is(err, ErrQueueFull), errors.Is(err, ErrEngineStopped):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, conflict)
}
