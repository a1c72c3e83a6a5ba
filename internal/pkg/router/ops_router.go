package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/corates/stripehook/app/controllers"
	"github.com/corates/stripehook/internal/pkg/constants"
	"github.com/corates/stripehook/internal/pkg/middleware"
)

type OpsRouter struct {
	deps Dependencies
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	auth := middleware.OpsAuthMiddleware(*h.deps.OpsCredentials)
	ops := controllers.NewOpsController(h.deps.Ledger, h.deps.Grants, h.deps.Stats)

	group := app.Group(constants.OpsRoute, auth)
	group.Get("/webhooks", ops.HandleListWebhooks)
	group.Get("/webhooks/stuck", ops.HandleStuckWebhooks)
	group.Get("/webhooks/stats", ops.HandleWebhookStats)
	group.Get("/webhooks/:id", ops.HandleGetWebhook)
	group.Get("/grants/:orgId", ops.HandleOrgGrants)

	if h.deps.Metrics != nil {
		app.Get(constants.MetricsRoute, auth, adaptor.HTTPHandler(h.deps.Metrics))
	}
}

func NewOpsRouter(deps Dependencies) *OpsRouter {
	return &OpsRouter{deps: deps}
}
