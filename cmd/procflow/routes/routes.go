package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/procflow/cmd/procflow/container"
	"github.com/lyzr/procflow/cmd/procflow/handlers"
)

// RegisterInstanceRoutes registers the instance lifecycle endpoints
func RegisterInstanceRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewInstanceHandler(c)

	instances := e.Group("/api/v1/instances")
	{
		instances.POST("", h.Start)
		instances.POST("/invoke", h.Invoke)
		instances.POST("/assign", h.Assign)
		instances.POST("/restart", h.Restart)
		instances.POST("/search", h.List)
		instances.POST("/archive", h.Archive)
		instances.GET("/:id", h.Get)
		instances.POST("/:id/terminate", h.Terminate)
	}

	e.POST("/api/v1/items/search", h.Items)
}

// RegisterModelRoutes registers the model store endpoints
func RegisterModelRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewModelHandler(c)

	models := e.Group("/api/v1/models")
	{
		models.GET("", h.List)
		models.PUT("/:name", h.Put)
		models.GET("/:name", h.Get)
		models.DELETE("/:name", h.Delete)
		models.POST("/:name/upgrade", h.Upgrade)
	}
}

// RegisterEventRoutes registers message and signal delivery
func RegisterEventRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEventHandler(c)

	e.POST("/api/v1/messages/:id", h.ThrowMessage)
	e.POST("/api/v1/signals/:id", h.ThrowSignal)
}
