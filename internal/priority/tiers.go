package priority

import (
	"time"

	"github.com/phrazzld/spin-api/internal/queue"
)

// Tier names.
const (
	TierDirectMutation = "direct_mutation"
	TierSearch         = "search"
	TierBrowse         = "browse"
	TierSweep          = "sweep"
)

// Tier is a coarse importance class shared by several operations. Retry and
// retention parameters are fixed per tier.
type Tier struct {
	Name string
	Base int
	// Urgent tiers are exempt from the system load penalty.
	Urgent bool
	// Deferrable tiers receive a scheduling delay under load.
	Deferrable  bool
	MaxAttempts int
	Backoff     queue.Backoff
	Retention   queue.Retention
}

// DefaultTiers returns the built-in tiers, most urgent first.
func DefaultTiers() []Tier {
	return []Tier{
		{
			Name:        TierDirectMutation,
			Base:        100,
			Urgent:      true,
			MaxAttempts: 5,
			Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second},
			Retention:   queue.Retention{KeepCompleted: 100, KeepFailed: 500},
		},
		{
			Name:        TierSearch,
			Base:        75,
			Urgent:      true,
			MaxAttempts: 4,
			Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
			Retention:   queue.Retention{KeepCompleted: 100, KeepFailed: 500},
		},
		{
			Name:        TierBrowse,
			Base:        50,
			MaxAttempts: 3,
			Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Second},
			Retention:   queue.Retention{KeepCompleted: 100, KeepFailed: 500},
		},
		{
			Name:        TierSweep,
			Base:        10,
			Deferrable:  true,
			MaxAttempts: 3,
			Backoff:     queue.Backoff{Type: queue.BackoffExponential, Delay: 30 * time.Second},
			Retention:   queue.Retention{KeepCompleted: 50, KeepFailed: 1000},
		},
	}
}

// DefaultOperations maps known operation names to tier names.
func DefaultOperations() map[string]string {
	return map[string]string{
		"collection_add":    TierDirectMutation,
		"collection_remove": TierDirectMutation,
		"rating_update":     TierDirectMutation,
		"favorite_add":      TierDirectMutation,
		"favorite_remove":   TierDirectMutation,
		"search":            TierSearch,
		"search_lookup":     TierSearch,
		"view_album":        TierBrowse,
		"view_artist":       TierBrowse,
		"view_track":        TierBrowse,
		"browse":            TierBrowse,
		"scheduled_sweep":   TierSweep,
		"bulk_refresh":      TierSweep,
	}
}
