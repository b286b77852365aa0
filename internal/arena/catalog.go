// catalog.go defines DefaultRegistry, the built-in set of arena descriptors.
// Cost figures approximate the real per-1k-record API cost of each provider
// tier; rate limits are conservative defaults that operators override per
// deployment.
package arena

import "time"

// DefaultRegistry returns the standard arena catalog.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&Descriptor{
			Platform:    "mastodon",
			DisplayName: "Mastodon",
			Tiers: map[Tier]TierCost{
				TierFree:   {CreditsPer1k: 0, MaxResultsPerRun: 1000},
				TierMedium: {CreditsPer1k: 5, MaxResultsPerRun: 10000},
			},
			Limits: map[Tier]RateLimit{
				TierFree:   {MaxCalls: 60, Window: time.Minute},
				TierMedium: {MaxCalls: 300, Window: time.Minute},
			},
		},
		&Descriptor{
			Platform:    "bluesky",
			DisplayName: "Bluesky",
			Tiers: map[Tier]TierCost{
				TierFree:   {CreditsPer1k: 0, MaxResultsPerRun: 2000},
				TierMedium: {CreditsPer1k: 4, MaxResultsPerRun: 20000},
			},
			Limits: map[Tier]RateLimit{
				TierFree:   {MaxCalls: 100, Window: time.Minute},
				TierMedium: {MaxCalls: 1000, Window: time.Minute},
			},
		},
		&Descriptor{
			Platform:    "reddit",
			DisplayName: "Reddit",
			Tiers: map[Tier]TierCost{
				TierFree:   {CreditsPer1k: 2, MaxResultsPerRun: 1000},
				TierMedium: {CreditsPer1k: 10, MaxResultsPerRun: 10000},
			},
			Limits: map[Tier]RateLimit{
				TierFree:   {MaxCalls: 60, Window: time.Minute},
				TierMedium: {MaxCalls: 600, Window: 10 * time.Minute},
			},
			MultiFieldCredential: true,
		},
		&Descriptor{
			Platform:    "youtube",
			DisplayName: "YouTube",
			Tiers: map[Tier]TierCost{
				TierFree:   {CreditsPer1k: 5, MaxResultsPerRun: 500},
				TierMedium: {CreditsPer1k: 15, MaxResultsPerRun: 5000},
			},
			Limits: map[Tier]RateLimit{
				TierFree:   {MaxCalls: 100, Window: 100 * time.Second},
				TierMedium: {MaxCalls: 1000, Window: 100 * time.Second},
			},
		},
		&Descriptor{
			Platform:    "telegram",
			DisplayName: "Telegram",
			Tiers: map[Tier]TierCost{
				TierFree:   {CreditsPer1k: 1, MaxResultsPerRun: 2000},
				TierMedium: {CreditsPer1k: 8, MaxResultsPerRun: 20000},
			},
			Limits: map[Tier]RateLimit{
				TierFree:   {MaxCalls: 20, Window: time.Minute},
				TierMedium: {MaxCalls: 30, Window: time.Second},
			},
			// Telegram flood control is enforced per bot token.
			LimitPerCredential:   true,
			MultiFieldCredential: true,
		},
		&Descriptor{
			Platform:    "tiktok",
			DisplayName: "TikTok",
			Tiers: map[Tier]TierCost{
				TierMedium:  {CreditsPer1k: 20, MaxResultsPerRun: 5000},
				TierPremium: {CreditsPer1k: 40, MaxResultsPerRun: 50000},
			},
			Limits: map[Tier]RateLimit{
				TierMedium:  {MaxCalls: 600, Window: time.Minute},
				TierPremium: {MaxCalls: 6000, Window: time.Minute},
			},
			MultiFieldCredential: true,
		},
		&Descriptor{
			Platform:    "newsindex",
			DisplayName: "News Index",
			Tiers: map[Tier]TierCost{
				TierFree:    {CreditsPer1k: 3, MaxResultsPerRun: 1000},
				TierMedium:  {CreditsPer1k: 10, MaxResultsPerRun: 10000},
				TierPremium: {CreditsPer1k: 25, MaxResultsPerRun: 100000},
			},
			Limits: map[Tier]RateLimit{
				TierFree:    {MaxCalls: 10, Window: time.Minute},
				TierMedium:  {MaxCalls: 60, Window: time.Minute},
				TierPremium: {MaxCalls: 300, Window: time.Minute},
			},
		},
	)
}
