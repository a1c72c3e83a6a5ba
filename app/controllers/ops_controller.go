package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/corates/stripehook/app/models"
	"github.com/corates/stripehook/internal/pkg/billing"
	"github.com/corates/stripehook/internal/pkg/metrics/counter"
)

const defaultStuckAge = 15 * time.Minute

// StatsReader serves the daily outcome counters.
type StatsReader interface {
	Stats(ctx context.Context, day string) (*counter.DailyStats, error)
}

// OpsController serves the read-only operational API over the ledger and
// grant tables.
type OpsController struct {
	ledger billing.LedgerStore
	grants billing.GrantStore
	stats  StatsReader
	now    func() time.Time
}

func NewOpsController(ledger billing.LedgerStore, grants billing.GrantStore, stats StatsReader) *OpsController {
	return &OpsController{
		ledger: ledger,
		grants: grants,
		stats:  stats,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type grantView struct {
	models.AccessGrant
	Active    bool                         `json:"active"`
	Purchases []models.AccessGrantPurchase `json:"purchases"`
}

// HandleListWebhooks handles GET /ops/webhooks?org=&type=&status=&limit=
func (h *OpsController) HandleListWebhooks(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	org, eventType, status := c.Query("org"), c.Query("type"), c.Query("status")

	var (
		rows []models.StripeWebhookEvent
		err  error
	)
	switch {
	case org != "":
		rows, err = h.ledger.ListByOrg(c.UserContext(), org, limit)
	case eventType != "":
		rows, err = h.ledger.ListByEventType(c.UserContext(), eventType, limit)
	case status != "":
		if !models.IsKnownWebhookStatus(status) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_status"})
		}
		rows, err = h.ledger.ListByStatus(c.UserContext(), status, limit)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "one of org, type or status is required"})
	}
	if err != nil {
		log.Error().Err(err).Msg("ops: ledger listing failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger_unavailable"})
	}
	return c.JSON(fiber.Map{"data": rows, "count": len(rows)})
}

// HandleStuckWebhooks handles GET /ops/webhooks/stuck?older_than=15m
func (h *OpsController) HandleStuckWebhooks(c *fiber.Ctx) error {
	age := defaultStuckAge
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "older_than must be a positive duration"})
		}
		age = d
	}

	rows, err := h.ledger.ListStuck(c.UserContext(), h.now().Add(-age), c.QueryInt("limit", 0))
	if err != nil {
		log.Error().Err(err).Msg("ops: stuck listing failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger_unavailable"})
	}
	return c.JSON(fiber.Map{"data": rows, "count": len(rows), "older_than": age.String()})
}

// HandleWebhookStats handles GET /ops/webhooks/stats?day=YYYY-MM-DD
func (h *OpsController) HandleWebhookStats(c *fiber.Ctx) error {
	if h.stats == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	stats, err := h.stats.Stats(c.UserContext(), c.Query("day"))
	if errors.Is(err, counter.ErrInvalidDay) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_day"})
	}
	if err != nil {
		log.Error().Err(err).Msg("ops: stats lookup failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	return c.JSON(stats)
}

// HandleOrgGrants handles GET /ops/grants/:orgId
func (h *OpsController) HandleOrgGrants(c *fiber.Ctx) error {
	orgID := c.Params("orgId")
	if orgID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "orgId is required"})
	}

	grants, err := h.grants.ListByOrg(c.UserContext(), orgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("ops: grant listing failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "grants_unavailable"})
	}

	now := h.now()
	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		purchases, err := h.grants.ListPurchasesByGrant(c.UserContext(), g.ID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "grants_unavailable"})
		}
		views = append(views, grantView{AccessGrant: g, Active: g.IsActiveAt(now), Purchases: purchases})
	}
	return c.JSON(fiber.Map{"org_id": orgID, "data": views, "count": len(views)})
}

// HandleGetWebhook handles GET /ops/webhooks/:id
func (h *OpsController) HandleGetWebhook(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid id"})
	}
	row, err := h.ledger.GetByID(c.UserContext(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "ledger_unavailable"})
	}
	return c.JSON(row)
}
