package credentials

import (
	"context"
	"fmt"
	"time"
)

// CounterStore holds the fast-moving credential state that must be shared
// by every worker and that expires on its own: daily/monthly usage
// counters and cooldown-circuit flags. Redis in production; the memory
// implementation serves single-process deployments and tests.
type CounterStore interface {
	// Incr increments key and returns the new value. The expiry is applied
	// when the key is created and left alone afterwards.
	Incr(ctx context.Context, key string, expiry time.Duration) (int64, error)
	// Get returns the current value of key, zero when absent.
	Get(ctx context.Context, key string) (int64, error)
	// SetFlag sets an expiring boolean flag.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error
	// HasFlag reports whether the flag is currently set.
	HasFlag(ctx context.Context, key string) (bool, error)
}

// Counter and flag key layout. Usage counters are bucketed by UTC
// calendar day and month so quota resets happen implicitly when the
// bucket rolls over.
func dayKey(credentialID string, now time.Time) string {
	return fmt.Sprintf("cred:%s:day:%s", credentialID, now.UTC().Format("2006-01-02"))
}

func monthKey(credentialID string, now time.Time) string {
	return fmt.Sprintf("cred:%s:month:%s", credentialID, now.UTC().Format("2006-01"))
}

func cooldownKey(credentialID string) string {
	return fmt.Sprintf("cred:%s:cooldown", credentialID)
}

// Bucket lifetimes. Day counters outlive their bucket by a day and month
// counters by a few days so operators can inspect recent usage; the key
// name changing is what actually resets the quota.
const (
	dayCounterTTL   = 48 * time.Hour
	monthCounterTTL = 35 * 24 * time.Hour
)
