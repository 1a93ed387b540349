package toolexecutor

import (
	"fmt"
	"time"

	"github.com/harun/toolengine/internal/observability"
	"github.com/robfig/cron/v3"
)

// DefaultJanitorSchedule prunes expired execution records every minute.
const DefaultJanitorSchedule = "@every 1m"

// StartJanitor schedules pruning of terminal execution records older than
// the configured retention. spec is a cron expression or descriptor such
// as "@every 30s". Calling it again replaces the previous schedule.
func (te *ToolExecutor) StartJanitor(spec string) error {
	if spec == "" {
		spec = DefaultJanitorSchedule
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() { te.PruneExecutions(time.Now()) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}

	te.janitorMu.Lock()
	prev := te.janitor
	te.janitor = c
	te.janitorMu.Unlock()

	if prev != nil {
		<-prev.Stop().Done()
	}
	c.Start()
	te.logger.Debug().Str("schedule", spec).Dur("retention", te.retention).Msg("Execution janitor started")
	return nil
}

// StopJanitor stops the pruning schedule and waits for a running prune.
func (te *ToolExecutor) StopJanitor() {
	te.janitorMu.Lock()
	c := te.janitor
	te.janitor = nil
	te.janitorMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// PruneExecutions drops terminal records that ended before now minus the
// retention and returns how many were removed.
func (te *ToolExecutor) PruneExecutions(now time.Time) int {
	removed := te.tracker.prune(now.Add(-te.retention))
	if removed > 0 {
		observability.RecordPrunedExecutions(removed)
		te.logger.Debug().Int("removed", removed).Msg("Pruned execution records")
	}
	return removed
}
