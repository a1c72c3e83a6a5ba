package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"github.com/corates/stripehook/internal/pkg/archive"
	"github.com/corates/stripehook/internal/pkg/billing"
	"github.com/corates/stripehook/internal/pkg/cache"
	"github.com/corates/stripehook/internal/pkg/constants"
	"github.com/corates/stripehook/internal/pkg/database"
	"github.com/corates/stripehook/internal/pkg/env"
	applog "github.com/corates/stripehook/internal/pkg/logger"
	"github.com/corates/stripehook/internal/pkg/metrics"
	"github.com/corates/stripehook/internal/pkg/metrics/counter"
	"github.com/corates/stripehook/internal/pkg/middleware"
	"github.com/corates/stripehook/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal().Err(err).Msg("server stopped")
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	applog.Setup(env.GetEnv("LOG_LEVEL", "info"), env.IsDev())
	database.SetupDatabase()
	cache.SetupCache()

	cfg, err := billing.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid webhook configuration")
	}

	deps := buildDependencies(cfg)

	// Possible locations of the project root
	basePaths := []string{
		"./",
		"../../",
		"../../../",
	}
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + constants.DocsFilePath); err == nil {
			basePath = path
			break
		}
	}

	// Bodies up to twice the cap are read and rejected by the ingestor. Larger
	// ones are never buffered; the error handler still ledgers them as unreadable.
	app := fiber.New(fiber.Config{
		BodyLimit:             int(cfg.MaxBodyBytes) * 2,
		DisableStartupMessage: !env.IsDev(),
		ErrorHandler:          router.ErrorHandler(deps),
	})

	// recovery, request ids and access logging
	app.Use(recover.New(), requestid.New(), logger.New())

	// SWAGGER / OPENAPI
	if basePath != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: constants.DocsBasePath,
			FilePath: basePath + constants.DocsFilePath,
			Path:     "v1",
		}))
	} else {
		log.Warn().Msg("openapi document not found, docs disabled")
	}

	// ROUTER
	router.InstallRouter(app, deps)

	return app
}

func buildDependencies(cfg *billing.Config) router.Dependencies {
	db := database.GetDB()
	ledger := billing.NewLedgerStore(db)
	grants := billing.NewGrantStore(db)

	events := billing.NewEventRouter(cfg.Production)
	events.Register(billing.EventTypeCheckoutSessionCompleted,
		billing.NewCheckoutCompletedHandler(billing.NewGrantService(grants)))

	verifier := billing.NewStripeVerifier(cfg.WebhookSecret, cfg.SignatureTolerance, cfg.VerifyTimeout)

	collector := metrics.NewCollector()
	outcomes := counter.NewRecorder(cache.GetClient())

	ingestor := billing.NewIngestor(ledger, verifier, events, cfg.MaxBodyBytes).
		WithRecorders(collector, outcomes)

	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid payload archive configuration")
	}
	if archiveCfg.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := archive.NewClient(ctx, archiveCfg)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("bucket", archiveCfg.BucketName).Msg("payload archive unavailable, continuing without it")
		} else {
			ingestor = ingestor.WithArchiver(client)
		}
	}

	rateLimit := middleware.LoadRateLimitConfig()
	if env.GetEnv("WEBHOOK_RATE_LIMIT_STORAGE", "redis") == "redis" {
		rateLimit.Storage = middleware.NewRedisLimiterStorage()
	}

	deps := router.Dependencies{
		Ingestor:  ingestor,
		Ledger:    ledger,
		Grants:    grants,
		Stats:     outcomes,
		Metrics:   collector.Handler(),
		RateLimit: rateLimit,
	}

	creds, err := middleware.LoadOpsCredentials()
	if err != nil {
		log.Warn().Err(err).Msg("ops API disabled")
	} else {
		deps.OpsCredentials = &creds
	}

	log.Info().
		Bool("production", cfg.Production).
		Dur("tolerance", cfg.SignatureTolerance).
		Bool("archive", archiveCfg.Enabled).
		Bool("ops", deps.OpsCredentials != nil).
		Msg("webhook ingestion configured")

	return deps
}
