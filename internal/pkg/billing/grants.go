package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corates/stripehook/app/models"
	"github.com/corates/stripehook/internal/pkg/entitlements"
	"github.com/rs/zerolog/log"
)

const maxGrantAttempts = 3

// GrantResultKind describes what a purchase did to the grant table.
type GrantResultKind int

const (
	GrantResultDuplicate GrantResultKind = iota
	GrantResultCreated
	GrantResultExtended
	GrantResultTrialAlreadyGranted
	GrantResultNotExtendable
)

// Purchase is a paid, validated one-time checkout ready to be applied.
type Purchase struct {
	OrgID             string
	GrantType         entitlements.GrantType
	CheckoutSessionID string
	StripeEventID     string
	Metadata          map[string]string
}

// GrantResult reports the mutation performed for a purchase, if any.
type GrantResult struct {
	Kind              GrantResultKind
	Grant             *models.AccessGrant
	PreviousExpiresAt *time.Time
}

// GrantService creates and extends access grants idempotently. Correctness
// rests on the store's unique constraints, never on in-process state.
type GrantService struct {
	store GrantStore
	now   func() time.Time
}

// NewGrantService creates a grant service.
func NewGrantService(store GrantStore) *GrantService {
	return &GrantService{
		store: store,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock replaces the time source; used by tests.
func (s *GrantService) WithClock(now func() time.Time) *GrantService {
	s.now = now
	return s
}

var errRetryGrant = errors.New("retry grant decision")

// ApplyCheckout applies a purchase exactly once per checkout session. The
// grant mutation and the purchase record share one transaction, so a
// concurrent duplicate rolls the whole attempt back.
func (s *GrantService) ApplyCheckout(ctx context.Context, p Purchase) (GrantResult, error) {
	policy, ok := entitlements.PolicyFor(p.GrantType)
	if !ok {
		return GrantResult{}, fmt.Errorf("%w: %q", ErrUnknownGrantType, p.GrantType)
	}

	for attempt := 1; attempt <= maxGrantAttempts; attempt++ {
		exists, err := s.store.PurchaseExists(ctx, p.CheckoutSessionID)
		if err != nil {
			return GrantResult{}, err
		}
		if exists {
			return GrantResult{Kind: GrantResultDuplicate}, nil
		}

		var res GrantResult
		err = s.store.WithinTx(ctx, func(tx GrantStore) error {
			var txErr error
			res, txErr = s.apply(ctx, tx, policy, p)
			return txErr
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, ErrDuplicateCheckoutSession):
			return GrantResult{Kind: GrantResultDuplicate}, nil
		case errors.Is(err, errRetryGrant):
			log.Debug().
				Str("org_id", p.OrgID).
				Str("grant_type", string(p.GrantType)).
				Int("attempt", attempt).
				Msg("grant decision raced, retrying")
			continue
		default:
			return GrantResult{}, err
		}
	}
	return GrantResult{}, fmt.Errorf("grant for org %q type %q still contended after %d attempts", p.OrgID, p.GrantType, maxGrantAttempts)
}

func (s *GrantService) apply(ctx context.Context, tx GrantStore, policy entitlements.Policy, p Purchase) (GrantResult, error) {
	now := s.now()
	grantType := string(p.GrantType)

	if policy.OncePerOrg {
		had, err := tx.HasAnyGrant(ctx, p.OrgID, grantType)
		if err != nil {
			return GrantResult{}, err
		}
		if had {
			return GrantResult{Kind: GrantResultTrialAlreadyGranted}, nil
		}
	}

	existing, err := tx.FindActive(ctx, p.OrgID, grantType)
	if err != nil {
		return GrantResult{}, err
	}

	res := GrantResult{}
	purchase := &models.AccessGrantPurchase{
		OrgID:                   p.OrgID,
		GrantType:               grantType,
		StripeCheckoutSessionID: p.CheckoutSessionID,
		StripeEventID:           p.StripeEventID,
	}

	if existing != nil {
		if !policy.Extendable {
			return GrantResult{Kind: GrantResultNotExtendable, Grant: existing}, nil
		}
		previous := existing.ExpiresAt
		newExpiry := policy.ExtendedExpiry(now, previous)
		if err := tx.ExtendExpiry(ctx, existing, newExpiry); err != nil {
			if errors.Is(err, ErrStaleGrant) {
				return GrantResult{}, errRetryGrant
			}
			return GrantResult{}, err
		}
		res = GrantResult{Kind: GrantResultExtended, Grant: existing, PreviousExpiresAt: &previous}
		purchase.Kind = models.GrantPurchaseKindExtended
		purchase.PreviousExpiresAt = &previous
	} else {
		sessionID := p.CheckoutSessionID
		grant := &models.AccessGrant{
			OrgID:                   p.OrgID,
			Type:                    grantType,
			StartsAt:                now,
			ExpiresAt:               policy.InitialExpiry(now),
			StripeCheckoutSessionID: &sessionID,
			Metadata:                p.Metadata,
		}
		if err := tx.CreateGrant(ctx, grant); err != nil {
			if errors.Is(err, ErrGrantConflict) {
				return GrantResult{}, errRetryGrant
			}
			return GrantResult{}, err
		}
		res = GrantResult{Kind: GrantResultCreated, Grant: grant}
		purchase.Kind = models.GrantPurchaseKindCreated
	}

	purchase.GrantID = res.Grant.ID
	purchase.NewExpiresAt = res.Grant.ExpiresAt
	if err := tx.RecordPurchase(ctx, purchase); err != nil {
		return GrantResult{}, err
	}
	return res, nil
}
