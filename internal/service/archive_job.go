package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/notify"
)

// ArchiveJob moves settlement events older than the retention window to
// cold storage on a cron schedule.
type ArchiveJob struct {
	archiver      domain.Archiver
	retentionDays int
	notifier      *notify.Notifier
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiveJob creates an ArchiveJob. notifier may be nil.
func NewArchiveJob(archiver domain.Archiver, retentionDays int, notifier *notify.Notifier, logger *slog.Logger) *ArchiveJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		notifier:      notifier,
		logger:        logger.With(slog.String("component", "archive_job")),
		now:           time.Now,
	}
}

// Cutoff returns the instant before which events are archived.
func (a *ArchiveJob) Cutoff() time.Time {
	return a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// RunOnce archives every event older than the cutoff.
func (a *ArchiveJob) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "archive_job: run started",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.archiver.ArchiveEvents(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archive_job: events before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	a.logger.InfoContext(ctx, "archive_job: run complete", slog.Int64("events_archived", n))
	if n > 0 {
		msg := fmt.Sprintf("archived %d settlement events older than %s", n, cutoff.Format(time.RFC3339))
		if err := a.notifier.Notify(ctx, notify.EventArchive, "Settlement archive", msg); err != nil {
			a.logger.WarnContext(ctx, "archive_job: notify failed", slog.String("error", err.Error()))
		}
	}
	return n, nil
}

// RunCron runs the job on a 5-field cron schedule until ctx is done.
func (a *ArchiveJob) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("archive_job: %w", err)
	}
	a.logger.InfoContext(ctx, "archive_job: cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("archive_job: %w", err)
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archive_job: waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archive_job: cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.RunOnce(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive_job: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one field of a cron expression. A nil set is a wildcard.
type cronField struct {
	set map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.set == nil || f.set[v]
}

// Schedule is a parsed 5-field cron expression (minute hour dom month dow).
type Schedule struct {
	minute, hour, dom, month, dow cronField
}

var cronBounds = [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}

// ParseCron parses a 5-field cron expression. Each field accepts "*", a
// value, a list ("1,15"), a range ("1-5") and a step ("*/15", "0-30/10").
func ParseCron(expr string) (Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	var parsed [5]cronField
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	for i, f := range fields {
		cf, err := parseCronField(f, cronBounds[i][0], cronBounds[i][1])
		if err != nil {
			return Schedule{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		parsed[i] = cf
	}
	return Schedule{minute: parsed[0], hour: parsed[1], dom: parsed[2], month: parsed[3], dow: parsed[4]}, nil
}

func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{}, nil
	}
	set := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", s)
			}
			step, part = n, base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", a)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", b)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", part)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return cronField{}, fmt.Errorf("value out of range %d-%d: %q", lo, hi, part)
		}
		for v := from; v <= to; v += step {
			set[v] = true
		}
	}
	return cronField{set: set}, nil
}

func (s Schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dom.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dow.matches(int(t.Weekday()))
}

// Next returns the first minute strictly after the given instant that
// matches the schedule, searching up to one year ahead.
func (s Schedule) Next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time within one year")
}
