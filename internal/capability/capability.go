// Package capability scores agents against a set of required
// capabilities and tie-breaks on cost. Grounded on
// internal/supervisor/decision.go's selectAgentType/buildRationale
// pattern (CLIAIMONITOR): match a recommendation's requirements against
// what an agent type can do, generalized here into a numeric score
// instead of a fixed agent-type lookup table.
package capability

import (
	"sort"
	"strings"

	"github.com/coderelay/orchestrator/internal/model"
)

// Match is the result of scoring one agent against a required set.
type Match struct {
	AgentID string
	Score   float64
	Matched []string
	Missing []string
}

// Score computes |matched ∩ required| / |required|, or 1.0 when required
// is empty (spec.md invariant 5).
func Score(agent *model.AgentProfile, required map[string]struct{}) Match {
	m := Match{AgentID: agent.ID}
	if len(required) == 0 {
		m.Score = 1.0
		return m
	}

	have := agent.CapabilitySet()
	for cap := range required {
		if _, ok := have[cap]; ok {
			m.Matched = append(m.Matched, cap)
		} else {
			m.Missing = append(m.Missing, cap)
		}
	}
	sort.Strings(m.Matched)
	sort.Strings(m.Missing)
	m.Score = float64(len(m.Matched)) / float64(len(required))
	return m
}

// FindOptions configures FindBestAgent's candidate filtering.
type FindOptions struct {
	ExcludeAgentIDs map[string]struct{}
	MinScore        float64
}

// FindBestAgent filters out offline/blocked agents and any explicitly
// excluded ones, scores the remainder, drops sub-MinScore candidates,
// and selects the highest score. Ties break on lower estimated cost, then
// lexicographic agent ID. Returns ok=false if no candidate remains.
func FindBestAgent(agents []*model.AgentProfile, required map[string]struct{}, opts FindOptions) (agent *model.AgentProfile, score float64, ok bool) {
	type candidate struct {
		agent *model.AgentProfile
		match Match
	}

	var candidates []candidate
	for _, a := range agents {
		if a.Status == model.AgentOffline || a.Status == model.AgentBlocked {
			continue
		}
		if opts.ExcludeAgentIDs != nil {
			if _, excluded := opts.ExcludeAgentIDs[a.ID]; excluded {
				continue
			}
		}
		m := Score(a, required)
		if m.Score < opts.MinScore {
			continue
		}
		candidates = append(candidates, candidate{agent: a, match: m})
	}

	if len(candidates) == 0 {
		return nil, 0, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.match.Score != cj.match.Score {
			return ci.match.Score > cj.match.Score
		}
		costI, costJ := ci.agent.EstimatedCost(), cj.agent.EstimatedCost()
		if costI != costJ {
			return costI < costJ
		}
		return ci.agent.ID < cj.agent.ID
	})

	best := candidates[0]
	return best.agent, best.match.Score, true
}

// ExtractRequiredCapabilities unions tag suffixes for tags matching
// "requires:<cap>" with any list found under metadata["requiredCapabilities"].
// Non-list metadata is ignored defensively, per spec.md §4.4/§9.
func ExtractRequiredCapabilities(tags []string, metadata map[string]interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	const prefix = "requires:"
	for _, tag := range tags {
		if strings.HasPrefix(tag, prefix) {
			cap := strings.TrimPrefix(tag, prefix)
			if cap != "" {
				out[cap] = struct{}{}
			}
		}
	}

	if metadata == nil {
		return out
	}
	raw, ok := metadata["requiredCapabilities"]
	if !ok {
		return out
	}

	switch list := raw.(type) {
	case []string:
		for _, c := range list {
			out[c] = struct{}{}
		}
	case []interface{}:
		for _, v := range list {
			if s, ok := v.(string); ok {
				out[s] = struct{}{}
			}
		}
	default:
		// Wrong shape: ignore defensively rather than erroring.
	}
	return out
}
