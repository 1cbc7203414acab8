package hipaa

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/pkg/pagination"
)

// AccessStore reads persisted audit entries.
type AccessStore interface {
	ListAccess(ctx context.Context, q AccessQuery, limit, offset int) ([]*AccessRecord, int, error)
}

// Handler exposes the audit trail for compliance review.
type Handler struct {
	store AccessStore
}

func NewHandler(store AccessStore) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers audit endpoints on the provided route group.
//
//	GET /audit/access - List access entries (paginated, ?client_id= ?resource_type= ?window_hours=)
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/audit/access", h.ListAccess)
}

func (h *Handler) ListAccess(c echo.Context) error {
	q := AccessQuery{
		ClientID:     c.QueryParam("client_id"),
		ResourceType: c.QueryParam("resource_type"),
	}
	if raw := c.QueryParam("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window_hours must be a non-negative integer")
		}
		q.WindowHours = hours
	}
	pg := pagination.FromContext(c)
	records, total, err := h.store.ListAccess(c.Request().Context(), q, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg.Limit, pg.Offset))
}
