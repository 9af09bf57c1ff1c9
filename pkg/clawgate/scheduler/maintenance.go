package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

// Config sets the maintenance schedules. An empty or "off" schedule
// disables the job.
type Config struct {
	// JobTimeout bounds one run of any job. Default: 1m.
	JobTimeout time.Duration `yaml:"job_timeout"`

	Reap          string `yaml:"reap"`
	Sweep         string `yaml:"sweep"`
	PurgeResults  string `yaml:"purge_results"`
	PruneLimiters string `yaml:"prune_limiters"`
	VerifyAudit   string `yaml:"verify_audit"`
}

// DefaultConfig returns the default schedules.
func DefaultConfig() Config {
	return Config{
		JobTimeout:    time.Minute,
		Reap:          "@every 15s",
		Sweep:         "@every 1m",
		PurgeResults:  "@every 5m",
		PruneLimiters: "@every 10m",
		VerifyAudit:   "@daily",
	}
}

// Reaper checks sandbox heartbeats and idle ages.
type Reaper interface {
	Reap(ctx context.Context) sandbox.ReapReport
}

// Sweeper closes sessions past their idle timeout.
type Sweeper interface {
	SweepExpired(ctx context.Context, idleTimeout time.Duration) (int, error)
	IdleTimeout() time.Duration
}

// Purger drops finished invocations past their retention window.
type Purger interface {
	PurgeResults() int
}

// LimiterPruner drops idle rate limiter state.
type LimiterPruner interface {
	PruneLimiters() int
}

// ChainVerifier verifies the audit chain.
type ChainVerifier interface {
	Verify(ctx context.Context, from, to int64) (audit.VerifyReport, error)
}

// Targets are the components maintained. Nil targets get no job.
type Targets struct {
	Pool     Reaper
	Sessions Sweeper
	Results  Purger
	Gateway  LimiterPruner
	Audit    ChainVerifier
}

// Job ids.
const (
	JobReap          = "sandbox.reap"
	JobSweep         = "session.sweep"
	JobPurgeResults  = "invoke.purge_results"
	JobPruneLimiters = "gateway.prune_limiters"
	JobVerifyAudit   = "audit.verify"
)

// RegisterMaintenance adds the maintenance jobs for t to s.
func RegisterMaintenance(s *Scheduler, cfg Config, t Targets) error {
	var jobs []Job

	if t.Pool != nil && enabled(cfg.Reap) {
		jobs = append(jobs, Job{ID: JobReap, Schedule: cfg.Reap, Exact: true, Run: func(ctx context.Context) (string, error) {
			r := t.Pool.Reap(ctx)
			if r.Crashed == 0 && r.Expired == 0 {
				return "", nil
			}
			return fmt.Sprintf("crashed=%d expired=%d", r.Crashed, r.Expired), nil
		}})
	}
	if t.Sessions != nil && enabled(cfg.Sweep) {
		jobs = append(jobs, Job{ID: JobSweep, Schedule: cfg.Sweep, Exact: true, Run: func(ctx context.Context) (string, error) {
			n, err := t.Sessions.SweepExpired(ctx, t.Sessions.IdleTimeout())
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("closed=%d", n), nil
		}})
	}
	if t.Results != nil && enabled(cfg.PurgeResults) {
		jobs = append(jobs, Job{ID: JobPurgeResults, Schedule: cfg.PurgeResults, Exact: true, Run: func(context.Context) (string, error) {
			return fmt.Sprintf("purged=%d", t.Results.PurgeResults()), nil
		}})
	}
	if t.Gateway != nil && enabled(cfg.PruneLimiters) {
		jobs = append(jobs, Job{ID: JobPruneLimiters, Schedule: cfg.PruneLimiters, Exact: true, Run: func(context.Context) (string, error) {
			return fmt.Sprintf("pruned=%d", t.Gateway.PruneLimiters()), nil
		}})
	}
	if t.Audit != nil && enabled(cfg.VerifyAudit) {
		jobs = append(jobs, Job{ID: JobVerifyAudit, Schedule: cfg.VerifyAudit, Timeout: 30 * time.Minute, Run: func(ctx context.Context) (string, error) {
			report, err := t.Audit.Verify(ctx, 1, 0)
			if err != nil {
				return "", err
			}
			if !report.OK() {
				return "", fmt.Errorf("audit chain broken at seq %d: %s", report.FirstBroken, report.Reason)
			}
			return fmt.Sprintf("verified=%d", report.Checked), nil
		}})
	}

	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}

func enabled(schedule string) bool {
	schedule = strings.TrimSpace(schedule)
	return schedule != "" && !strings.EqualFold(schedule, "off")
}
