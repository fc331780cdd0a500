package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/procflow/cmd/procflow/container"
)

// ModelHandler manages stored BPMN models
type ModelHandler struct {
	c *container.Container
}

func NewModelHandler(c *container.Container) *ModelHandler {
	return &ModelHandler{c: c}
}

// Put saves or replaces a model; the body is the BPMN XML
// PUT /api/v1/models/:name
func (h *ModelHandler) Put(c echo.Context) error {
	source, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(source) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "model source is required")
	}
	name := c.Param("name")
	if err := h.c.Models.Put(c.Request().Context(), name, string(source)); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"name": name})
}

// Get returns the model XML
// GET /api/v1/models/:name
func (h *ModelHandler) Get(c echo.Context) error {
	source, err := h.c.Models.GetSource(c.Request().Context(), c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.Blob(http.StatusOK, "application/xml", []byte(source))
}

// List returns the stored model names
// GET /api/v1/models
func (h *ModelHandler) List(c echo.Context) error {
	names, err := h.c.Models.List(c.Request().Context())
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"models": names})
}

// Delete removes a model
// DELETE /api/v1/models/:name
func (h *ModelHandler) Delete(c echo.Context) error {
	if err := h.c.Models.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return mapEngineError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type upgradeRequest struct {
	AfterNodeIDs []string `json:"after_node_ids"`
}

// Upgrade replaces the stored source of live instances that have not yet
// passed the given nodes
// POST /api/v1/models/:name/upgrade
func (h *ModelHandler) Upgrade(c echo.Context) error {
	var req upgradeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ids, err := h.c.Engine.Upgrade(c.Request().Context(), c.Param("name"), req.AfterNodeIDs)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"upgraded": ids})
}
