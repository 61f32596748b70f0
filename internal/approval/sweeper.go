package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// timedOutReason is the rejection reason recorded when an approval expires
// unresolved.
const timedOutReason = "timed out"

// Resumer is the subset of the Run Engine's contract the sweeper needs to
// re-drive a run whose pending approval it has expired. Declared here
// (rather than importing internal/engine) to avoid an import cycle, since
// the engine package already imports approval.
type Resumer interface {
	Resume(ctx context.Context, runID string, decision Decision, feedback string) error
}

// ExpirySweeper periodically re-drives runs whose pending approval has
// passed its expiry, resuming each with decision=rejected and reason
// "timed out" through the same path a human's resume request takes, so a
// suspended run is never stuck waiting forever on a human who never
// responds.
type ExpirySweeper struct {
	registry *Registry
	resumer  Resumer
	cron     *cron.Cron
}

// NewExpirySweeper schedules a sweep every minute. Callers own Start/Stop.
func NewExpirySweeper(registry *Registry, resumer Resumer) *ExpirySweeper {
	c := cron.New()
	s := &ExpirySweeper{registry: registry, resumer: resumer, cron: c}

	if _, err := c.AddFunc("@every 1m", s.sweep); err != nil {
		slog.Error("unable to schedule approval expiry sweep", slog.Any("error", err))
	}

	return s
}

// Start begins the cron scheduler.
func (s *ExpirySweeper) Start() {
	s.cron.Start()
}

// Stop gracefully stops the scheduler, waiting for an in-flight sweep.
func (s *ExpirySweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *ExpirySweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := s.registry.ListExpiredPending(ctx)
	if err != nil {
		slog.Error("approval expiry sweep failed", slog.Any("error", err))
		return
	}

	for _, appr := range expired {
		if s.resumer == nil {
			continue
		}
		if err := s.resumer.Resume(ctx, appr.RunID, DecisionRejected, timedOutReason); err != nil {
			slog.Warn("failed to resume run after approval expiry",
				slog.String("run_id", appr.RunID), slog.String("tool_call_id", appr.ToolCallID), slog.Any("error", err))
			continue
		}
		slog.Info("expired pending approval and resumed run",
			slog.String("run_id", appr.RunID), slog.String("tool_call_id", appr.ToolCallID))
	}
}
