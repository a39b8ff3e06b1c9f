package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// ParseCron parses a cron expression that have 5 fields
// return error if it fails
func ParseCron(expr string) error {
	e := strings.TrimSpace(expr)
	if e == "" {
		return fmt.Errorf("empty cron expression")
	}

	// Macros / @every handled by ParseStandard (it also supports plain 5-field specs).
	if strings.HasPrefix(e, "@") {
		_, err := cron.ParseStandard(e)
		return err
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser5.Parse(e)
	return err
}

// minFileAge protects outputs of conversions still running, no run outlives
// the longest timeout.
var minFileAge = model.EffectiveTimeout(model.MaxTimeoutMs) + time.Minute

// Purger forgets finished jobs, implemented by Scheduler.
type Purger interface {
	Purge(olderThan time.Duration) int
}

// Janitor periodically removes temporary documents left behind by killed
// or crashed conversions and forgets old finished jobs. Cookie jars are
// kept, they outlive the login which created them.
type Janitor struct {
	dir       string
	maxAge    time.Duration
	jobs      Purger
	scheduler gocron.Scheduler
}

// NewJanitor creates a janitor sweeping dir (the OS temp dir when empty).
// jobs may be nil.
func NewJanitor(dir string, maxAge time.Duration, jobs Purger) *Janitor {
	if dir == "" {
		dir = os.TempDir()
	}
	return &Janitor{dir: dir, maxAge: maxAge, jobs: jobs}
}

// JanitorFromConfig returns nil when the janitor is disabled. janitor.max_age
// must exceed converter.timeout.
func JanitorFromConfig(ctx context.Context, cfg model.Config, jobs Purger) (*Janitor, error) {
	expr, maxAge, enabled, err := cfg.JanitorSchedule()
	if err != nil {
		return nil, fmt.Errorf("parsing janitor.max_age: %w", err)
	}
	if !enabled {
		return nil, nil
	}
	timeoutMs, err := cfg.TimeoutMs()
	if err != nil {
		return nil, fmt.Errorf("parsing converter.timeout: %w", err)
	}
	if timeout := model.EffectiveTimeout(timeoutMs); maxAge <= timeout {
		return nil, fmt.Errorf("janitor.max_age %s must be longer than converter.timeout %s", maxAge, timeout)
	}
	j := NewJanitor(cfg.TempDir(), maxAge, jobs)
	if err := j.Schedule(ctx, expr); err != nil {
		return nil, err
	}
	return j, nil
}

// Schedule registers the sweep as a cron job, Start runs it.
func (j *Janitor) Schedule(ctx context.Context, expr string) error {
	if err := ParseCron(expr); err != nil {
		return fmt.Errorf("parsing janitor.cron: %w", err)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() { j.Sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return errors.Join(fmt.Errorf("initializing gocron job: %w", err), s.Shutdown())
	}
	slog.DebugContext(ctx, "janitor scheduled", "cron", expr, "max_age", j.maxAge.String(), "dir", j.dir)
	j.scheduler = s
	return nil
}

func (j *Janitor) Start() {
	if j.scheduler != nil {
		j.scheduler.Start()
	}
}

func (j *Janitor) Shutdown() error {
	if j.scheduler == nil {
		return nil
	}
	return j.scheduler.Shutdown()
}

// Sweep removes archiver temp files older than maxAge and purges old
// finished jobs. It returns the number of removed files and jobs. Files
// younger than the longest possible conversion are kept whatever maxAge is.
func (j *Janitor) Sweep(ctx context.Context) (files, jobs int) {
	limit := time.Now().Add(-max(j.maxAge, minFileAge))
	matches, err := filepath.Glob(filepath.Join(j.dir, model.TempPatternPDF))
	if err != nil {
		slog.ErrorContext(ctx, "janitor glob failed", "dir", j.dir, "error", err)
	}
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || info.ModTime().After(limit) {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.WarnContext(ctx, "janitor can't remove file", "path", path, "error", err)
			continue
		}
		files++
	}
	if j.jobs != nil {
		jobs = j.jobs.Purge(j.maxAge)
	}
	slog.InfoContext(ctx, "janitor sweep done", "files", files, "jobs", jobs)
	return files, jobs
}
