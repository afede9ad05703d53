package priority

import "github.com/phrazzld/spin-api/internal/activity"

// Rule names, in evaluation order.
const (
	RuleActionImportance   = "action_importance"
	RuleRecentUserActivity = "recent_user_activity"
	RuleEntityRelevance    = "entity_relevance"
	RuleSystemLoadPenalty  = "system_load_penalty"
)

// Contribution is one rule's signed share of a priority.
type Contribution struct {
	Rule  string `json:"rule"`
	Value int    `json:"value"`
}

// signals is everything the rules read. It is gathered before scoring so the
// rules themselves are pure.
type signals struct {
	tier           Tier
	activity       activity.Context
	entityIsActive bool
	paused         bool
}

// rule returns its contribution given the signals and the running subtotal
// of the rules before it.
type rule struct {
	name  string
	apply func(s signals, subtotal int, cfg Config) int
}

var rules = []rule{
	{
		name: RuleActionImportance,
		apply: func(s signals, _ int, _ Config) int {
			return s.tier.Base
		},
	},
	{
		name: RuleRecentUserActivity,
		apply: func(s signals, _ int, cfg Config) int {
			if s.activity.IsActivelyBrowsing {
				return cfg.ActivityBoost
			}
			return 0
		},
	},
	{
		name: RuleEntityRelevance,
		apply: func(s signals, _ int, cfg Config) int {
			if s.entityIsActive {
				return cfg.EntityBoost
			}
			return 0
		},
	},
	{
		// Non-urgent work under load always lands below the dispatch
		// threshold, whatever boosts it collected.
		name: RuleSystemLoadPenalty,
		apply: func(s signals, subtotal int, cfg Config) int {
			if !s.paused || s.tier.Urgent {
				return 0
			}
			penalty := cfg.LoadPenalty
			if need := subtotal - (cfg.DispatchThreshold - 1); need > penalty {
				penalty = need
			}
			return -penalty
		},
	},
}

// score runs every rule in order and returns the total and the breakdown.
func score(s signals, cfg Config) (int, []Contribution) {
	total := 0
	breakdown := make([]Contribution, 0, len(rules))
	for _, r := range rules {
		v := r.apply(s, total, cfg)
		total += v
		breakdown = append(breakdown, Contribution{Rule: r.name, Value: v})
	}
	return total, breakdown
}
