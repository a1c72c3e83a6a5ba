package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/corates/stripehook/app/controllers"
	"github.com/corates/stripehook/internal/pkg/constants"
	"github.com/corates/stripehook/internal/pkg/middleware"
)

type WebhookRouter struct {
	deps Dependencies
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	webhook := controllers.NewStripeWebhookController(h.deps.Ingestor)

	app.Post(constants.StripeWebhookRoute,
		middleware.WebhookRateLimiter(h.deps.RateLimit),
		webhook.HandleStripeWebhook,
	)

	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}

func NewWebhookRouter(deps Dependencies) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}
