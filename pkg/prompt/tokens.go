package prompt

// EstimateTokens approximates the token count of a text using the common
// 4-characters-per-token heuristic. Exact tokenizer counts are model-specific
// and not worth a hard dependency for budget accounting.
func EstimateTokens(s string) int {
	return len(s) / 4
}
