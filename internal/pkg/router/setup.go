package router

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/corates/stripehook/app/controllers"
	"github.com/corates/stripehook/internal/pkg/billing"
	"github.com/corates/stripehook/internal/pkg/constants"
	"github.com/corates/stripehook/internal/pkg/middleware"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the wired components the routes need.
type Dependencies struct {
	Ingestor  *billing.Ingestor
	Ledger    billing.LedgerStore
	Grants    billing.GrantStore
	Stats     controllers.StatsReader
	Metrics   http.Handler
	RateLimit middleware.RateLimitConfig
	// Ops API is not mounted when nil.
	OpsCredentials *middleware.OpsCredentials
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	routers := []Router{NewWebhookRouter(deps)}
	if deps.OpsCredentials != nil {
		routers = append(routers, NewOpsRouter(deps))
	}
	setup(app, routers...)
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}

// ErrorHandler routes webhook bodies over fiber's BodyLimit through the
// ingestor so they are ledgered and answered 400 instead of a bare 413.
func ErrorHandler(deps Dependencies) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		if errors.Is(err, fiber.ErrRequestEntityTooLarge) && deps.Ingestor != nil && c.Path() == constants.StripeWebhookRoute {
			return controllers.NewStripeWebhookController(deps.Ingestor).HandleOversizedBody(c)
		}
		return fiber.DefaultErrorHandler(c, err)
	}
}
