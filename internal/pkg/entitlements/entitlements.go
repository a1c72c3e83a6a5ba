package entitlements

import (
	"strings"
	"time"
)

type GrantType string

const (
	GrantTypeTrial         GrantType = "trial"
	GrantTypeSingleProject GrantType = "single_project"
)

// Policy governs how purchases of a grant type turn into grant mutations.
type Policy struct {
	// InitialPeriod is the lifetime of a freshly created grant.
	InitialPeriod Period
	// ExtensionPeriod is added to max(now, expiry) on a repeat purchase.
	ExtensionPeriod Period
	// Extendable grants are extended on repeat purchase; others are one-shot.
	Extendable bool
	// OncePerOrg grants may exist at most once per organization, ever.
	OncePerOrg bool
}

// Period is a calendar duration. Months are applied with time.AddDate so that
// "6 months" follows the calendar rather than a fixed number of hours.
type Period struct {
	Months int
	Days   int
}

// AddTo returns t shifted forward by the period.
func (p Period) AddTo(t time.Time) time.Time {
	return t.AddDate(0, p.Months, p.Days)
}

var policies = map[GrantType]Policy{
	GrantTypeSingleProject: {
		InitialPeriod:   Period{Months: 6},
		ExtensionPeriod: Period{Months: 6},
		Extendable:      true,
	},
	GrantTypeTrial: {
		InitialPeriod: Period{Days: 14},
		OncePerOrg:    true,
	},
}

// ParseGrantType normalizes a raw grant type and reports whether it is known.
func ParseGrantType(raw string) (GrantType, bool) {
	t := GrantType(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := policies[t]
	return t, ok
}

// PolicyFor returns the policy of a known grant type.
func PolicyFor(t GrantType) (Policy, bool) {
	p, ok := policies[t]
	return p, ok
}

// InitialExpiry computes the expiry of a grant created at now.
func (p Policy) InitialExpiry(now time.Time) time.Time {
	return p.InitialPeriod.AddTo(now)
}

// ExtendedExpiry computes the expiry after a repeat purchase. Remaining time
// is kept, so the result is never before current.
func (p Policy) ExtendedExpiry(now, current time.Time) time.Time {
	base := now
	if current.After(base) {
		base = current
	}
	return p.ExtensionPeriod.AddTo(base)
}
