package prompt

import "lorechat/pkg/domain"

// WindowHistory returns the most recent cfg.MessageLimit non-system messages
// in chronological order. Messages belonging to any run in excludeRuns are
// left out, which keeps in-flight runs and the turn being retried from
// leaking into a new completion request. Disabled history yields nil.
func WindowHistory(messages []domain.Message, cfg domain.ChatHistoryConfig, excludeRuns map[string]bool) []domain.Message {
	if !cfg.HistoryEnabled || cfg.MessageLimit <= 0 {
		return nil
	}

	eligible := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == domain.RoleSystem {
			continue
		}
		if msg.RunID != "" && excludeRuns[msg.RunID] {
			continue
		}
		eligible = append(eligible, msg)
	}
	if len(eligible) > cfg.MessageLimit {
		eligible = eligible[len(eligible)-cfg.MessageLimit:]
	}
	return eligible
}
