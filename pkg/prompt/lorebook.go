package prompt

import (
	"sort"
	"strings"

	"lorechat/pkg/domain"
)

// SelectLore returns the content of enabled entries whose keywords match the
// scan text, in ascending insertion order, accumulating until the next entry
// would exceed tokenBudget. An entry that does not fit is skipped and
// selection stops; entries are never truncated. A non-positive budget yields
// an empty result. Matching never mutates entry state.
func SelectLore(entries []domain.LorebookEntry, scanText string, tokenBudget int) []string {
	if tokenBudget <= 0 || len(entries) == 0 {
		return nil
	}

	matched := make([]domain.LorebookEntry, 0, len(entries))
	haystack := strings.ToLower(scanText)
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		if matchesAny(entry.Keywords, haystack) {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].InsertionOrder < matched[j].InsertionOrder
	})

	var selected []string
	used := 0
	for _, entry := range matched {
		cost := EstimateTokens(entry.Content)
		if used+cost > tokenBudget {
			break
		}
		selected = append(selected, entry.Content)
		used += cost
	}
	return selected
}

// matchesAny reports whether any keyword appears in the lowercased haystack.
func matchesAny(keywords []string, haystack string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

// ScanText concatenates the most recent n history messages and the new user
// message into the text that lore keywords are matched against.
func ScanText(history []domain.Message, userMessage string, n int) string {
	if n > 0 && len(history) > n {
		history = history[len(history)-n:]
	}
	var sb strings.Builder
	for _, msg := range history {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	sb.WriteString(userMessage)
	return sb.String()
}
