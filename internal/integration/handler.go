package integration

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/pkg/pagination"
)

// Handler exposes the integration admin API.
type Handler struct {
	registry *Registry
	executor *Executor
}

func NewHandler(reg *Registry, exec *Executor) *Handler {
	return &Handler{registry: reg, executor: exec}
}

// RegisterRoutes registers integration endpoints on the provided route group.
//
//	POST   /integrations                      - Register a new integration
//	GET    /integrations                      - List integrations (paginated)
//	GET    /integrations/status               - Status snapshot of every integration
//	GET    /integrations/:name                - Status of one integration
//	PATCH  /integrations/:name/enabled        - Enable or disable an integration
//	POST   /integrations/:name/breaker/reset  - Force the circuit breaker closed
//	POST   /integrations/:name/execute        - Proxy one request to the target
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/integrations", h.RegisterIntegration)
	api.GET("/integrations", h.ListIntegrations)
	api.GET("/integrations/status", h.StatusSnapshot)
	api.GET("/integrations/:name", h.GetIntegration)
	api.PATCH("/integrations/:name/enabled", h.SetEnabled)
	api.POST("/integrations/:name/breaker/reset", h.ResetBreaker)
	api.POST("/integrations/:name/execute", h.ExecuteRequest)
}

func (h *Handler) RegisterIntegration(c echo.Context) error {
	var req seedConfig
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	integ, err := h.registry.Register(req.toConfig())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, integ.Status())
}

func (h *Handler) ListIntegrations(c echo.Context) error {
	pg := pagination.FromContext(c)
	statuses, total := h.registry.List(pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(statuses, total, pg.Limit, pg.Offset))
}

func (h *Handler) StatusSnapshot(c echo.Context) error {
	statuses := h.registry.Snapshot()
	byHealth := map[HealthStatus]int{}
	for _, st := range statuses {
		byHealth[st.Health.Status]++
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":        len(statuses),
		"by_health":    byHealth,
		"integrations": statuses,
	})
}

func (h *Handler) GetIntegration(c echo.Context) error {
	integ, ok := h.registry.Get(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	return c.JSON(http.StatusOK, integ.Status())
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) SetEnabled(c echo.Context) error {
	var req setEnabledRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Enabled == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "enabled is required")
	}
	if err := h.registry.SetEnabled(c.Param("name"), *req.Enabled); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	integ, _ := h.registry.Get(c.Param("name"))
	return c.JSON(http.StatusOK, integ.Status())
}

func (h *Handler) ResetBreaker(c echo.Context) error {
	if err := h.registry.ResetBreaker(c.Param("name")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	}
	integ, _ := h.registry.Get(c.Param("name"))
	return c.JSON(http.StatusOK, integ.Status())
}

type executeRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type executeResponse struct {
	Integration string          `json:"integration"`
	Status      int             `json:"status"`
	DurationMS  int64           `json:"duration_ms"`
	Body        json.RawMessage `json:"body,omitempty"`
}

func (h *Handler) ExecuteRequest(c echo.Context) error {
	name := c.Param("name")

	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Method == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "method is required")
	}

	resp, err := h.executor.Execute(c.Request().Context(), name, req.Method, req.Path, req.Body, req.Headers)
	if err != nil {
		return writeExecuteError(c, err)
	}

	out := executeResponse{
		Integration: name,
		Status:      resp.StatusCode,
		DurationMS:  resp.Duration.Milliseconds(),
	}
	if json.Valid(resp.Body) {
		out.Body = resp.Body
	} else if len(resp.Body) > 0 {
		raw, _ := json.Marshal(string(resp.Body))
		out.Body = raw
	}
	return c.JSON(http.StatusOK, out)
}

// writeExecuteError maps executor errors onto HTTP statuses. Admission
// rejections keep their retry hints in a Retry-After header.
func writeExecuteError(c echo.Context, err error) error {
	var (
		notFound    *NotFoundError
		disabled    *DisabledError
		circuitOpen *CircuitOpenError
		rateLimited *RateLimitedError
		reqErr      *RequestError
		statusErr   *StatusError
	)
	switch {
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, "integration not found")
	case errors.As(err, &disabled):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &circuitOpen):
		setRetryAfter(c, circuitOpen.RetryAfter)
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &rateLimited):
		setRetryAfter(c, time.Until(rateLimited.ResetAt))
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.As(err, &reqErr):
		if reqErr.Timeout {
			return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.As(err, &statusErr):
		body := json.RawMessage(nil)
		if json.Valid(statusErr.Body) {
			body = statusErr.Body
		}
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":         "target returned an error response",
			"integration":   statusErr.Name,
			"target_status": statusErr.StatusCode,
			"target_body":   body,
		})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func setRetryAfter(c echo.Context, d time.Duration) {
	secs := int(d.Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
}
