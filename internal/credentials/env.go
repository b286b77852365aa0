package credentials

import (
	"os"
	"strings"

	"github.com/research-collector/research-collector/internal/arena"
)

// Environment-variable bootstrap. When the database holds no usable
// credential for a (platform, tier), the pool falls back to secrets
// provided directly in the process environment. This keeps small and
// development deployments working without the provisioning API, at the
// cost of the per-credential bookkeeping (env credentials have no quota
// counters or circuit state).
//
// Lookup order for a single-secret platform:
//
//	{PLATFORM}_{TIER}_API_KEY   e.g. REDDIT_PREMIUM_API_KEY
//	{PLATFORM}_API_KEY          e.g. REDDIT_API_KEY
//
// Multi-field platforms assemble the payload from
// {PLATFORM}_CLIENT_ID and {PLATFORM}_CLIENT_SECRET instead.

// envPayload returns the payload assembled from the environment for the
// given arena, or "" when the environment holds no secret for it.
func envPayload(desc *arena.Descriptor, tier arena.Tier) string {
	prefix := strings.ToUpper(strings.ReplaceAll(desc.Platform, "-", "_"))

	if desc.MultiFieldCredential {
		id := os.Getenv(prefix + "_CLIENT_ID")
		secret := os.Getenv(prefix + "_CLIENT_SECRET")
		if id == "" || secret == "" {
			return ""
		}
		return id + ":" + secret
	}

	if key := os.Getenv(prefix + "_" + strings.ToUpper(string(tier)) + "_API_KEY"); key != "" {
		return key
	}
	return os.Getenv(prefix + "_API_KEY")
}
