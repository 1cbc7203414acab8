package webhook

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/pkg/pagination"
)

// Handler exposes webhook endpoint administration.
type Handler struct {
	registry   *Registry
	dispatcher *Dispatcher
}

func NewHandler(registry *Registry, dispatcher *Dispatcher) *Handler {
	return &Handler{registry: registry, dispatcher: dispatcher}
}

// RegisterRoutes registers webhook admin endpoints on the provided group.
//
//	POST   /webhooks                - Register an endpoint (secret returned once)
//	GET    /webhooks                - List endpoints (paginated)
//	GET    /webhooks/:id            - One endpoint
//	PUT    /webhooks/:id            - Update url, filter, or description
//	DELETE /webhooks/:id            - Remove an endpoint
//	POST   /webhooks/:id/pause      - Suspend deliveries
//	POST   /webhooks/:id/resume     - Resume deliveries
//	POST   /webhooks/:id/test       - Send a synthetic signed delivery now
//	GET    /webhooks/:id/deliveries - Delivery history, newest first
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/webhooks", h.CreateEndpoint)
	api.GET("/webhooks", h.ListEndpoints)
	api.GET("/webhooks/:id", h.GetEndpoint)
	api.PUT("/webhooks/:id", h.UpdateEndpoint)
	api.DELETE("/webhooks/:id", h.DeleteEndpoint)
	api.POST("/webhooks/:id/pause", h.PauseEndpoint)
	api.POST("/webhooks/:id/resume", h.ResumeEndpoint)
	api.POST("/webhooks/:id/test", h.TestEndpoint)
	api.GET("/webhooks/:id/deliveries", h.ListDeliveries)
}

type endpointRequest struct {
	URL         string   `json:"url"`
	Secret      string   `json:"secret"`
	EntityTypes []string `json:"entity_types"`
	Description string   `json:"description"`
}

func (h *Handler) CreateEndpoint(c echo.Context) error {
	var req endpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.registry.Register(req.URL, req.Secret, req.Description, req.EntityTypes)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// The only response that carries the secret. Callers must store it.
	return c.JSON(http.StatusCreated, ep)
}

func (h *Handler) ListEndpoints(c echo.Context) error {
	pg := pagination.FromContext(c)
	eps, total := h.registry.List(pg.Limit, pg.Offset)
	out := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Redacted())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetEndpoint(c echo.Context) error {
	ep, err := h.registry.Get(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
	}
	return c.JSON(http.StatusOK, ep.Redacted())
}

func (h *Handler) UpdateEndpoint(c echo.Context) error {
	var req endpointRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.registry.Update(c.Param("id"), req.URL, req.EntityTypes, req.Description)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, ep.Redacted())
}

func (h *Handler) DeleteEndpoint(c echo.Context) error {
	if err := h.registry.Remove(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PauseEndpoint(c echo.Context) error {
	return h.setActive(c, false, "paused")
}

func (h *Handler) ResumeEndpoint(c echo.Context) error {
	return h.setActive(c, true, "active")
}

func (h *Handler) setActive(c echo.Context, active bool, label string) error {
	if err := h.registry.SetActive(c.Param("id"), active); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": label})
}

func (h *Handler) TestEndpoint(c echo.Context) error {
	rec, err := h.dispatcher.Ping(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListDeliveries(c echo.Context) error {
	pg := pagination.FromContext(c)
	recs, total, err := h.registry.Deliveries(c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "webhook endpoint not found")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset))
}
