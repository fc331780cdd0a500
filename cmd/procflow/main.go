package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lyzr/procflow/cmd/procflow/container"
	"github.com/lyzr/procflow/cmd/procflow/routes"
)

func main() {
	ctx := context.Background()

	c, err := container.New(ctx, "procflow")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start procflow: %v\n", err)
		os.Exit(1)
	}
	defer c.Shutdown(ctx)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)
	registerRoutes(e, c)

	startServer(e, c)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "procflow",
		})
	})
}

func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterInstanceRoutes(e, c)
	routes.RegisterModelRoutes(e, c)
	routes.RegisterEventRoutes(e, c)
}

func startServer(e *echo.Echo, c *container.Container) {
	port := c.Config.Service.Port
	c.Logger.Info("Starting procflow", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		c.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
