// Package catalog defines the closed set of billable consulting skills.
package catalog

import "errors"

// ErrUnknownSkill is returned when a skill id is not in the catalog.
var ErrUnknownSkill = errors.New("unknown skill")

// Skill identifies a consulting service. The set is closed: adding a
// service means adding a constant here, not editing runtime state.
type Skill string

const (
	BusinessAnalysis Skill = "business-analysis"
	MarketResearch   Skill = "market-research"
	StrategyPlanning Skill = "strategy-planning"
	QuickConsult     Skill = "quick-consult"
)

// Currency is the billing currency for every skill in the catalog.
const Currency = "USD"

// Entry describes one billable skill.
type Entry struct {
	Skill       Skill
	Description string
	// Price in USD. Serialized as a two-decimal string on the wire.
	Price float64
	// SystemInstruction steers the generation engine for this skill.
	SystemInstruction string
}

var entries = map[Skill]Entry{
	BusinessAnalysis: {
		Skill:             BusinessAnalysis,
		Description:       "Comprehensive business analysis",
		Price:             50.00,
		SystemInstruction: "You are a business analyst. Provide comprehensive business analysis with actionable insights.",
	},
	MarketResearch: {
		Skill:             MarketResearch,
		Description:       "Market research and competitive analysis",
		Price:             75.00,
		SystemInstruction: "You are a market research expert. Provide detailed market analysis with data-driven insights.",
	},
	StrategyPlanning: {
		Skill:             StrategyPlanning,
		Description:       "Strategic business planning",
		Price:             100.00,
		SystemInstruction: "You are a strategic planning consultant. Provide strategic recommendations and implementation plans.",
	},
	QuickConsult: {
		Skill:             QuickConsult,
		Description:       "Quick consultation (15 min equivalent)",
		Price:             25.00,
		SystemInstruction: "You are a business consultant. Provide quick, actionable advice.",
	},
}

// Parse validates a raw skill id against the closed set.
func Parse(raw string) (Skill, error) {
	s := Skill(raw)
	if _, ok := entries[s]; !ok {
		return "", ErrUnknownSkill
	}
	return s, nil
}

// Lookup returns the catalog entry for a skill.
func Lookup(s Skill) (Entry, error) {
	e, ok := entries[s]
	if !ok {
		return Entry{}, ErrUnknownSkill
	}
	return e, nil
}

// All returns every entry in a stable order.
func All() []Entry {
	out := make([]Entry, 0, len(entries))
	for _, s := range []Skill{BusinessAnalysis, MarketResearch, StrategyPlanning, QuickConsult} {
		out = append(out, entries[s])
	}
	return out
}
