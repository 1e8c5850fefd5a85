package engine

import "strings"

// modelRates are USD per million tokens. Cache reads bill at 10% of input,
// cache writes at 125%.
type modelRates struct {
	input  float64
	output float64
}

var rates = map[string]modelRates{
	"claude-opus":   {input: 5, output: 25},
	"claude-sonnet": {input: 3, output: 15},
	"claude-haiku":  {input: 1, output: 5},
}

// estimateCost computes an approximate USD cost for a call. Unknown models
// cost zero; the usage log still carries the token counts.
func estimateCost(model string, u *Usage) float64 {
	var r modelRates
	found := false
	for prefix, candidate := range rates {
		if strings.HasPrefix(model, prefix) {
			r, found = candidate, true
			break
		}
	}
	if !found {
		return 0
	}
	const mtok = 1_000_000
	cost := float64(u.InputTokens) / mtok * r.input
	cost += float64(u.OutputTokens) / mtok * r.output
	cost += float64(u.CacheReadTokens) / mtok * r.input * 0.10
	cost += float64(u.CacheCreationTokens) / mtok * r.input * 1.25
	return cost
}
