package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/audit"
	"github.com/jholhewres/clawgate/pkg/clawgate/sandbox"
)

func noop(context.Context) (string, error) { return "", nil }

func TestAddValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{"missing id", Job{Schedule: "@every 1m", Run: noop}, "ID is required"},
		{"missing schedule", Job{ID: "a", Run: noop}, "schedule is required"},
		{"missing run", Job{ID: "a", Schedule: "@every 1m"}, "run function is required"},
		{"bad schedule", Job{ID: "a", Schedule: "whenever", Run: noop}, "invalid schedule"},
		{"cron", Job{ID: "a", Schedule: "*/5 * * * *", Run: noop}, ""},
		{"descriptor", Job{ID: "a", Schedule: "@every 15s", Run: noop}, ""},
		{"plain english", Job{ID: "a", Schedule: "every 30 seconds", Run: noop}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(0, nil)
			err := s.Add(tt.job)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Add() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Add() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddDuplicateAndRemove(t *testing.T) {
	t.Parallel()

	s := New(0, nil)
	job := Job{ID: "dup", Schedule: "@every 1m", Run: noop}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(job); err == nil {
		t.Fatal("second Add() succeeded, want error")
	}
	if err := s.Remove("dup"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove("dup"); err == nil {
		t.Fatal("Remove() of missing job succeeded")
	}
	if err := s.Add(job); err != nil {
		t.Fatalf("Add() after Remove error = %v", err)
	}
}

func TestRunNowRecordsStatus(t *testing.T) {
	t.Parallel()

	s := New(0, nil)
	calls := 0
	_ = s.Add(Job{ID: "ok", Schedule: "@every 1h", Run: func(context.Context) (string, error) {
		calls++
		return "done", nil
	}})
	_ = s.Add(Job{ID: "fail", Schedule: "@every 1h", Run: func(context.Context) (string, error) {
		return "", errors.New("disk full")
	}})

	for range 2 {
		if err := s.RunNow("ok"); err != nil {
			t.Fatalf("RunNow(ok) error = %v", err)
		}
	}
	if err := s.RunNow("fail"); err != nil {
		t.Fatalf("RunNow(fail) error = %v", err)
	}
	if err := s.RunNow("nope"); err == nil {
		t.Fatal("RunNow(nope) succeeded")
	}

	list := s.List()
	if len(list) != 2 || list[0].ID != "fail" || list[1].ID != "ok" {
		t.Fatalf("List() = %+v, want [fail ok]", list)
	}
	if calls != 2 || list[1].RunCount != 2 || list[1].LastResult != "done" || list[1].LastError != "" {
		t.Errorf("ok status = %+v (calls %d)", list[1], calls)
	}
	if list[0].LastError != "disk full" || list[0].LastRunAt.IsZero() {
		t.Errorf("fail status = %+v", list[0])
	}
}

func TestRunNowRejectsOverlap(t *testing.T) {
	t.Parallel()

	s := New(0, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.Add(Job{ID: "slow", Schedule: "@every 1h", Run: func(context.Context) (string, error) {
		close(started)
		<-release
		return "", nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started

	if list := s.List(); !list[0].Running {
		t.Error("job not reported as running")
	}
	if err := s.RunNow("slow"); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("overlapping RunNow() error = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunNow() error = %v", err)
	}
	if list := s.List(); list[0].Running || list[0].RunCount != 1 {
		t.Errorf("status after run = %+v", list[0])
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := New(0, nil)
	_ = s.Add(Job{ID: "panics", Schedule: "@every 1h", Run: func(context.Context) (string, error) {
		panic("boom")
	}})
	if err := s.RunNow("panics"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	st := s.List()[0]
	if st.Running || st.LastError != "panic: boom" {
		t.Errorf("status = %+v", st)
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()

	s := New(time.Hour, nil)
	_ = s.Add(Job{ID: "bounded", Schedule: "@every 1h", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}})
	if err := s.RunNow("bounded"); err != nil {
		t.Fatal(err)
	}
	if st := s.List()[0]; st.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q", st.LastError)
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	t.Parallel()

	s := New(time.Hour, nil)
	started := make(chan struct{})
	_ = s.Add(Job{ID: "waits", Schedule: "@every 1h", Run: func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}})
	s.Start()

	done := make(chan error, 1)
	go func() { done <- s.RunNow("waits") }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job not cancelled by Stop")
	}
}

func TestIsTopOfHourSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		schedule string
		want     bool
	}{
		{"0 * * * *", true},
		{"0 3 * * *", true},
		{"@daily", true},
		{"@Hourly", true},
		{"@every 1h", false},
		{"*/5 * * * *", false},
		{"30 2 * * *", false},
	}
	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			t.Parallel()
			if got := isTopOfHourSchedule(tt.schedule); got != tt.want {
				t.Errorf("isTopOfHourSchedule(%q) = %v, want %v", tt.schedule, got, tt.want)
			}
		})
	}
}

func TestResolveStagger(t *testing.T) {
	t.Parallel()

	job := Job{ID: JobVerifyAudit, Schedule: "@daily"}
	first := resolveStagger(job)
	if first < 0 || first >= 5*time.Minute {
		t.Fatalf("stagger = %v, want within [0, 5m)", first)
	}
	if again := resolveStagger(job); again != first {
		t.Errorf("stagger not stable: %v then %v", first, again)
	}

	job.Exact = true
	if got := resolveStagger(job); got != 0 {
		t.Errorf("exact job stagger = %v", got)
	}
	if got := resolveStagger(Job{ID: "x", Schedule: "@every 1m"}); got != 0 {
		t.Errorf("@every stagger = %v", got)
	}
}

func TestNormalizeSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"every 30 seconds", "@every 30s"},
		{"every 5 mins", "@every 5m"},
		{"Every 2 Hours", "@every 2h"},
		{"every 2 days", "@every 48h"},
		{"every minute", "@every 1m"},
		{"every day", "@every 24h"},
		{"hourly", "@every 1h"},
		{"daily", "0 0 * * *"},
		{"daily at 3:30am", "30 3 * * *"},
		{"daily at 14:05", "5 14 * * *"},
		{"daily at 12am", "0 0 * * *"},
		{"weekly on sunday at 2:00", "0 2 * * 0"},
		{"weekly on fri", "0 0 * * 5"},

		// passthrough
		{" @every 15s ", "@every 15s"},
		{"*/5 * * * *", "*/5 * * * *"},
		{"every 0 minutes", "every 0 minutes"},
		{"daily at 25:00", "daily at 25:00"},
		{"daily at 13pm", "daily at 13pm"},
		{"weekly on someday", "weekly on someday"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := NormalizeSchedule(tt.input); got != tt.want {
				t.Errorf("NormalizeSchedule(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

type fakeReaper struct{ report sandbox.ReapReport }

func (f *fakeReaper) Reap(context.Context) sandbox.ReapReport { return f.report }

type fakeSweeper struct{ idle atomic.Int64 }

func (f *fakeSweeper) SweepExpired(_ context.Context, idle time.Duration) (int, error) {
	f.idle.Store(int64(idle))
	return 3, nil
}
func (f *fakeSweeper) IdleTimeout() time.Duration { return 30 * time.Minute }

type fakeCounter int

func (f fakeCounter) PurgeResults() int  { return int(f) }
func (f fakeCounter) PruneLimiters() int { return int(f) }

type fakeVerifier struct{ report audit.VerifyReport }

func (f *fakeVerifier) Verify(context.Context, int64, int64) (audit.VerifyReport, error) {
	return f.report, nil
}

func TestRegisterMaintenance(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{}
	verifier := &fakeVerifier{report: audit.VerifyReport{From: 1, Checked: 10}}
	targets := Targets{
		Pool:     &fakeReaper{report: sandbox.ReapReport{Crashed: 1, Expired: 2}},
		Sessions: sweeper,
		Results:  fakeCounter(4),
		Gateway:  fakeCounter(5),
		Audit:    verifier,
	}
	cfg := DefaultConfig()
	cfg.PruneLimiters = "off"

	s := New(cfg.JobTimeout, nil)
	if err := RegisterMaintenance(s, cfg, targets); err != nil {
		t.Fatalf("RegisterMaintenance() error = %v", err)
	}

	var ids []string
	for _, st := range s.List() {
		ids = append(ids, st.ID)
	}
	want := []string{JobVerifyAudit, JobPurgeResults, JobReap, JobSweep}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Fatalf("jobs = %v, want %v", ids, want)
	}

	for _, id := range want {
		if err := s.RunNow(id); err != nil {
			t.Fatalf("RunNow(%s) error = %v", id, err)
		}
	}
	results := map[string]JobStatus{}
	for _, st := range s.List() {
		results[st.ID] = st
	}
	if got := results[JobReap].LastResult; got != "crashed=1 expired=2" {
		t.Errorf("reap result = %q", got)
	}
	if got := results[JobSweep].LastResult; got != "closed=3" {
		t.Errorf("sweep result = %q", got)
	}
	if got := time.Duration(sweeper.idle.Load()); got != 30*time.Minute {
		t.Errorf("sweep idle timeout = %v", got)
	}
	if got := results[JobPurgeResults].LastResult; got != "purged=4" {
		t.Errorf("purge result = %q", got)
	}
	if got := results[JobVerifyAudit].LastResult; got != "verified=10" {
		t.Errorf("verify result = %q", got)
	}
}

func TestVerifyJobReportsBrokenChain(t *testing.T) {
	t.Parallel()

	verifier := &fakeVerifier{report: audit.VerifyReport{From: 1, Checked: 6, FirstBroken: 7, Reason: "checksum mismatch"}}
	s := New(0, nil)
	if err := RegisterMaintenance(s, DefaultConfig(), Targets{Audit: verifier}); err != nil {
		t.Fatal(err)
	}
	if len(s.List()) != 1 {
		t.Fatalf("jobs = %+v, want only %s", s.List(), JobVerifyAudit)
	}
	if err := s.RunNow(JobVerifyAudit); err != nil {
		t.Fatal(err)
	}
	st := s.List()[0]
	if !strings.Contains(st.LastError, "broken at seq 7") || !strings.Contains(st.LastError, "checksum mismatch") {
		t.Errorf("LastError = %q", st.LastError)
	}
}
