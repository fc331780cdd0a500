package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/procflow/cmd/procflow/container"
)

// EventHandler exposes message and signal delivery
type EventHandler struct {
	c *container.Container
}

func NewEventHandler(c *container.Container) *EventHandler {
	return &EventHandler{c: c}
}

type throwRequest struct {
	Data           map[string]any `json:"data"`
	CorrelationKey map[string]any `json:"correlation_key"`
}

// ThrowMessage delivers a message to a start event or a waiting item
// POST /api/v1/messages/:id
func (h *EventHandler) ThrowMessage(c echo.Context) error {
	var req throwRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ex, err := h.c.Engine.ThrowMessage(c.Request().Context(), c.Param("id"), req.Data, req.CorrelationKey)
	if err != nil {
		return mapEngineError(err)
	}
	if ex == nil {
		return c.JSON(http.StatusOK, map[string]any{"matched": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"matched": true, "instance": instanceView(ex)})
}

// ThrowSignal broadcasts a signal
// POST /api/v1/signals/:id
func (h *EventHandler) ThrowSignal(c echo.Context) error {
	var req throwRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	touched, err := h.c.Engine.ThrowSignal(c.Request().Context(), c.Param("id"), req.Data, req.CorrelationKey)
	if err != nil {
		return mapEngineError(err)
	}
	instances := make([]map[string]any, 0, len(touched))
	for _, ex := range touched {
		instances = append(instances, instanceView(ex))
	}
	return c.JSON(http.StatusOK, map[string]any{"touched": len(instances), "instances": instances})
}
