package credits

import (
	"fmt"

	"github.com/research-collector/research-collector/internal/arena"
)

// Estimate is the projected credit cost of a launch request, per arena
// and in total, alongside the user's current balance. It is what the
// launch admission check consumes and what the estimate preview endpoint
// returns.
type Estimate struct {
	Total     float64            `json:"total"`
	PerArena  map[string]float64 `json:"per_arena"`
	Available float64            `json:"available"`
	CanRun    bool               `json:"can_run"`
}

// EstimateCost projects the credit cost of collecting up to
// requestedResults records from each of the given arenas at the given
// tier. The projection is deliberately static: cost = credits-per-1k ×
// projected volume / 1000, with the volume capped at the arena's
// per-run maximum. Availability is filled in by the ledger, not here.
func EstimateCost(registry *arena.Registry, arenas []string, tier arena.Tier, requestedResults int) (*Estimate, error) {
	if len(arenas) == 0 {
		return nil, fmt.Errorf("no arenas requested")
	}

	est := &Estimate{PerArena: make(map[string]float64, len(arenas))}
	for _, name := range arenas {
		desc, ok := registry.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown arena %q", name)
		}
		cost, ok := desc.Cost(tier)
		if !ok {
			return nil, fmt.Errorf("arena %q does not offer tier %q", name, tier)
		}

		volume := requestedResults
		if volume > cost.MaxResultsPerRun {
			volume = cost.MaxResultsPerRun
		}
		arenaCost := cost.CreditsPer1k * float64(volume) / 1000.0
		est.PerArena[name] = arenaCost
		est.Total += arenaCost
	}

	return est, nil
}
