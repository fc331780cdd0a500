package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/procflow/cmd/procflow/container"
	"github.com/lyzr/procflow/common/engine"
	"github.com/lyzr/procflow/common/store"
)

// InstanceHandler exposes the engine instance operations over HTTP
type InstanceHandler struct {
	c *container.Container
}

func NewInstanceHandler(c *container.Container) *InstanceHandler {
	return &InstanceHandler{c: c}
}

type startRequest struct {
	Name        string         `json:"name"`
	Data        map[string]any `json:"data"`
	StartNodeID string         `json:"start_node_id"`
	UserName    string         `json:"user_name"`
	NoWait      bool           `json:"no_wait"`
}

// Start creates a new process instance
// POST /api/v1/instances
func (h *InstanceHandler) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	ex, err := h.c.Engine.Start(c.Request().Context(), engine.StartOptions{
		Name:        req.Name,
		Data:        req.Data,
		StartNodeID: req.StartNodeID,
		UserName:    req.UserName,
		NoWait:      req.NoWait,
	})
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusCreated, instanceView(ex))
}

type invokeRequest struct {
	Query    map[string]any `json:"query"`
	Data     map[string]any `json:"data"`
	UserName string         `json:"user_name"`
	Restart  bool           `json:"restart"`
	Recover  bool           `json:"recover"`
	NoWait   bool           `json:"no_wait"`
}

// Invoke completes a waiting item
// POST /api/v1/instances/invoke
func (h *InstanceHandler) Invoke(c echo.Context) error {
	var req invokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Query) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ex, err := h.c.Engine.Invoke(c.Request().Context(), req.Query, req.Data, engine.InvokeOptions{
		UserName: req.UserName,
		Restart:  req.Restart,
		Recover:  req.Recover,
		NoWait:   req.NoWait,
	})
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, instanceView(ex))
}

type assignRequest struct {
	Query           map[string]any `json:"query"`
	Data            map[string]any `json:"data"`
	Assignee        string         `json:"assignee"`
	CandidateUsers  []string       `json:"candidate_users"`
	CandidateGroups []string       `json:"candidate_groups"`
	UserName        string         `json:"user_name"`
}

// Assign mutates the assignment of a waiting item
// POST /api/v1/instances/assign
func (h *InstanceHandler) Assign(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Query) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ex, err := h.c.Engine.Assign(c.Request().Context(), req.Query, req.Data, engine.Assignment{
		Assignee:        req.Assignee,
		CandidateUsers:  req.CandidateUsers,
		CandidateGroups: req.CandidateGroups,
	}, req.UserName)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, instanceView(ex))
}

// Restart rewinds an ended instance at one of its items
// POST /api/v1/instances/restart
func (h *InstanceHandler) Restart(c echo.Context) error {
	var req invokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Query) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	ex, err := h.c.Engine.Restart(c.Request().Context(), req.Query, req.Data, req.UserName)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, instanceView(ex))
}

// Get returns one instance document
// GET /api/v1/instances/:id
func (h *InstanceHandler) Get(c echo.Context) error {
	docs, err := h.c.Engine.FindInstances(c.Request().Context(), store.Query{"id": c.Param("id")})
	if err != nil {
		return mapEngineError(err)
	}
	if len(docs) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	}
	return c.JSON(http.StatusOK, docs[0])
}

// List queries instance documents with a JSON query in the body
// POST /api/v1/instances/search
func (h *InstanceHandler) List(c echo.Context) error {
	var query map[string]any
	if err := c.Bind(&query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	docs, err := h.c.Engine.FindInstances(c.Request().Context(), query)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"instances": docs, "count": len(docs)})
}

// Items queries item sub-documents across instances
// POST /api/v1/items/search
func (h *InstanceHandler) Items(c echo.Context) error {
	var query map[string]any
	if err := c.Bind(&query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, err := h.c.Engine.FindItems(c.Request().Context(), query)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// Terminate force-ends an instance
// POST /api/v1/instances/:id/terminate
func (h *InstanceHandler) Terminate(c echo.Context) error {
	ex, err := h.c.Engine.Terminate(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, instanceView(ex))
}

// Archive moves finished instances matching the body query to the
// archives collection
// POST /api/v1/instances/archive
func (h *InstanceHandler) Archive(c echo.Context) error {
	var query map[string]any
	if err := c.Bind(&query); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	moved, err := h.c.Engine.Archive(c.Request().Context(), query)
	if err != nil {
		return mapEngineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"archived": moved})
}

func instanceView(ex *engine.Execution) map[string]any {
	if ex == nil {
		return nil
	}
	return map[string]any{
		"id":     ex.ID,
		"name":   ex.Name,
		"status": string(ex.Status),
		"data":   ex.Data,
	}
}

func mapEngineError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrAmbiguous):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
