package app

import (
	"context"
	"fmt"

	"lorechat/pkg/domain"
)

// ReconcileInterrupted fails every run left pending or running by a
// previous process. Called once on startup, before the server accepts
// traffic, so a crashed runner never leaves a chat locked forever.
func (a *App) ReconcileInterrupted(ctx context.Context) error {
	runs, err := a.store.ListNonTerminalRuns(ctx)
	if err != nil {
		return fmt.Errorf("list interrupted runs: %w", err)
	}
	for _, run := range runs {
		a.finishRun(ctx, run, domain.RunFailed, "interrupted")
	}
	if len(runs) > 0 {
		a.logger.Info("reconciled interrupted runs", "count", len(runs))
	}
	return nil
}
