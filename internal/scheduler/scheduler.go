// Package scheduler runs the periodic background tasks of tftpd: store disk
// space checks, audit log retention and status logging.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/tftpd/internal/config"
	"github.com/energizer-project/tftpd/internal/events"
	"github.com/energizer-project/tftpd/internal/util"
)

// Pruner removes audit entries older than maxAge.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Counter reports a current count, such as open connections.
type Counter interface {
	Count() int
}

// Deps are the optional collaborators of the scheduler. A nil field
// disables the tasks that need it.
type Deps struct {
	Bus         *events.EventBus
	Audit       Pruner
	Connections Counter
	Sessions    Counter
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger

	diskUsage func(path string) (*util.DiskUsage, error)

	mu      sync.Mutex
	diskLow bool
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, deps Deps) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		deps:      deps,
		logger:    util.ComponentLogger("scheduler"),
		diskUsage: util.GetDiskUsage,
	}
}

type task struct {
	name     string
	interval int
	fn       func(context.Context)
}

func (s *Scheduler) tasks() []task {
	sc := s.cfg.Scheduler
	var tasks []task

	if s.cfg.Server.Store.Backend == "disk" && sc.MinFreeMB > 0 {
		tasks = append(tasks, task{"disk_space", sc.DiskCheckInterval, s.checkDiskSpace})
	}
	if s.deps.Audit != nil && s.cfg.Audit.RetentionDays > 0 {
		tasks = append(tasks, task{"audit_prune", sc.AuditPruneInterval, s.pruneAudit})
	}
	if s.deps.Connections != nil || s.deps.Sessions != nil {
		tasks = append(tasks, task{"status", sc.StatusInterval, s.logStatus})
	}
	return tasks
}

// Start runs every enabled task on its own ticker until ctx is cancelled.
// Each task also runs once immediately.
func (s *Scheduler) Start(ctx context.Context) {
	var wg sync.WaitGroup
	started := 0

	for _, t := range s.tasks() {
		if t.interval <= 0 {
			continue
		}

		t := t
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(time.Duration(t.interval) * time.Second)
			defer ticker.Stop()

			s.logger.Debug().Str("task", t.name).Msg("running initial task")
			t.fn(ctx)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					t.fn(ctx)
				}
			}
		}()
	}

	s.logger.Info().Int("tasks", started).Msg("scheduler started")
	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// checkDiskSpace emits EventLowDiskSpace when free space under the store
// root drops below the configured minimum. It fires once per transition.
func (s *Scheduler) checkDiskSpace(ctx context.Context) {
	root := s.cfg.Server.Store.Root
	minFree := s.cfg.Scheduler.MinFreeMB

	usage, err := s.diskUsage(root)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", root).Msg("disk space check failed")
		return
	}

	low := usage.FreeMB < minFree

	s.mu.Lock()
	wasLow := s.diskLow
	s.diskLow = low
	s.mu.Unlock()

	switch {
	case low && !wasLow:
		s.logger.Warn().
			Str("path", root).
			Uint64("free_mb", usage.FreeMB).
			Uint64("min_free_mb", minFree).
			Msg("low disk space")
		s.deps.Bus.Emit(ctx, events.Event{
			Type:   events.EventLowDiskSpace,
			Source: "scheduler",
			Payload: events.DiskPayload{
				Path:      root,
				FreeMB:    usage.FreeMB,
				MinFreeMB: minFree,
				UsedPct:   usage.UsedPercent,
			},
		})
	case !low && wasLow:
		s.logger.Info().Uint64("free_mb", usage.FreeMB).Msg("disk space recovered")
	default:
		s.logger.Debug().
			Uint64("free_mb", usage.FreeMB).
			Str("used", fmt.Sprintf("%.1f%%", usage.UsedPercent)).
			Msg("disk space ok")
	}
}

func (s *Scheduler) pruneAudit(ctx context.Context) {
	maxAge := time.Duration(s.cfg.Audit.RetentionDays) * 24 * time.Hour
	n, err := s.deps.Audit.Prune(ctx, maxAge)
	if err != nil {
		s.logger.Warn().Err(err).Msg("audit prune failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("audit log pruned")
	}
}

func (s *Scheduler) logStatus(context.Context) {
	ev := s.logger.Info()
	if s.deps.Connections != nil {
		ev = ev.Int("connections", s.deps.Connections.Count())
	}
	if s.deps.Sessions != nil {
		ev = ev.Int("logged_in", s.deps.Sessions.Count())
	}
	ev.Msg("server status")
}
