// Package arena describes the external content platforms the system can
// collect from. The set of supported arenas is a static table built once at
// startup — no self-registering globals — so the catalog is inspectable and
// the orchestrator can validate a launch request against it without
// touching any collector code. The collector implementations themselves
// live outside this repository; only their descriptors are known here.
package arena

import (
	"fmt"
	"sort"
	"time"
)

// Tier is a cost/capability level for an arena. Each tier carries its own
// rate limit, quota, and credit cost.
type Tier string

const (
	TierFree    Tier = "free"
	TierMedium  Tier = "medium"
	TierPremium Tier = "premium"
)

// ValidTier reports whether t is one of the known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierMedium, TierPremium:
		return true
	}
	return false
}

// TierCost holds the static cost and volume parameters for one tier of one
// arena. CreditsPer1k is the estimated credit cost per 1000 records;
// MaxResultsPerRun caps the projected volume used for estimation.
type TierCost struct {
	CreditsPer1k     float64
	MaxResultsPerRun int
}

// RateLimit is the default request ceiling for an arena tier. These are
// configuration data — operators may override them per deployment — but
// every arena ships a conservative default so a missing override can never
// mean "unlimited".
type RateLimit struct {
	MaxCalls int
	Window   time.Duration
}

// Descriptor describes one supported arena.
type Descriptor struct {
	// Platform is the canonical lowercase platform name (e.g. "mastodon").
	Platform string
	// DisplayName is the human-readable name shown in run detail views.
	DisplayName string
	// Tiers maps each supported tier to its cost parameters.
	Tiers map[Tier]TierCost
	// Limits maps each supported tier to its default rate limit.
	Limits map[Tier]RateLimit
	// LimitPerCredential is set for providers that enforce their rate
	// limit per token (per-bot, per-account) rather than per service.
	// The rate limiter is then keyed by credential ID instead of
	// (platform, tier).
	LimitPerCredential bool
	// MultiFieldCredential is set for platforms whose env-bootstrap
	// credential is assembled from CLIENT_ID/CLIENT_SECRET style
	// variables rather than a single API key.
	MultiFieldCredential bool
}

// SupportsTier reports whether the arena offers the given tier.
func (d *Descriptor) SupportsTier(t Tier) bool {
	_, ok := d.Tiers[t]
	return ok
}

// Cost returns the cost parameters for a tier.
func (d *Descriptor) Cost(t Tier) (TierCost, bool) {
	c, ok := d.Tiers[t]
	return c, ok
}

// Limit returns the default rate limit for a tier, falling back to the
// free tier's limit when the requested tier has no explicit entry.
func (d *Descriptor) Limit(t Tier) RateLimit {
	if l, ok := d.Limits[t]; ok {
		return l
	}
	return d.Limits[TierFree]
}

// Registry is an immutable lookup table of arena descriptors keyed by
// platform name. Build it once at startup with NewRegistry.
type Registry struct {
	arenas map[string]*Descriptor
}

// NewRegistry builds a registry from the given descriptors. Duplicate
// platform names are a programming error and panic at startup rather than
// silently shadowing one another.
func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{arenas: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if _, dup := r.arenas[d.Platform]; dup {
			panic(fmt.Sprintf("arena: duplicate descriptor for platform %q", d.Platform))
		}
		r.arenas[d.Platform] = d
	}
	return r
}

// Get returns the descriptor for a platform.
func (r *Registry) Get(platform string) (*Descriptor, bool) {
	d, ok := r.arenas[platform]
	return d, ok
}

// Platforms returns all registered platform names, sorted.
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.arenas))
	for name := range r.arenas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a platform is registered.
func (r *Registry) Has(platform string) bool {
	_, ok := r.arenas[platform]
	return ok
}
