package banter

// EstimateTokens approximates the token count of text as len/4. Crude but
// model-agnostic; the context assembler only needs a stable upper-bound
// estimator to enforce its budget.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateTurnTokens sums the estimate over a slice of chat turns, counting
// a small per-turn framing overhead.
func EstimateTurnTokens(turns []ChatMessage) int {
	total := 0
	for _, t := range turns {
		total += EstimateTokens(t.Content) + 4
	}
	return total
}
