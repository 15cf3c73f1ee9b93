// Package api exposes the operational HTTP surface of the ingestion service.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Checker-Finance/kite-ingest/internal/ingest"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// HealthChecker is satisfied by *store.Store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RunView is the read side of *ingest.Orchestrator.
type RunView interface {
	State() ingest.State
	Progress() (completed, total int64)
	LastSummary() *model.RunSummary
}

// Deps are the collaborators the routes report on. Nil members are treated
// as not configured and left out of the health checks.
type Deps struct {
	NATS  *nats.Conn
	Store HealthChecker
	Run   RunView
}

func RegisterRoutes(app *fiber.App, deps Deps) {
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	app.Get("/health", func(c *fiber.Ctx) error {
		checks := map[string]string{}
		status := "ok"
		code := fiber.StatusOK
		degrade := func(name, reason string) {
			checks[name] = reason
			status = "degraded"
			code = fiber.StatusServiceUnavailable
		}

		if deps.NATS != nil {
			checks["nats"] = "ok"
			if !deps.NATS.IsConnected() {
				degrade("nats", "disconnected")
			} else if err := deps.NATS.FlushTimeout(1 * time.Second); err != nil {
				degrade("nats", err.Error())
			}
		}

		if deps.Store != nil {
			checks["store"] = "ok"
			healthCtx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := deps.Store.HealthCheck(healthCtx); err != nil {
				degrade("store", err.Error())
			}
		}

		return c.Status(code).JSON(fiber.Map{
			"status": status,
			"checks": checks,
		})
	})

	v1 := app.Group("/api/v1")
	v1.Get("/run", func(c *fiber.Ctx) error {
		if deps.Run == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no orchestrator"})
		}
		done, total := deps.Run.Progress()
		return c.JSON(fiber.Map{
			"state":     deps.Run.State().String(),
			"completed": done,
			"total":     total,
		})
	})
	v1.Get("/run/summary", func(c *fiber.Ctx) error {
		if deps.Run == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no orchestrator"})
		}
		s := deps.Run.LastSummary()
		if s == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no completed run"})
		}
		return c.JSON(s)
	})
}
