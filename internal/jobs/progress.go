package jobs

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// etaTag extracts an advertised runtime, in minutes, from a job tag.
var etaTag = regexp.MustCompile(`^eta:(\d+(\.\d+)?)$`)

// pingProgress sends keep-alive chat messages while a job runs: the first
// after startDelayMs, then up to maxUpdates total spaced intervalMs apart.
// Each ping is also recorded on the job's event log.
func (e *Engine) pingProgress(ctx context.Context, job models.Job) {
	cfg := e.cfg.Host.Progress
	max := cfg.MaxUpdates
	if max <= 0 {
		return
	}
	delay := time.Duration(cfg.StartDelayMs) * time.Millisecond
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	eta := etaFromTags(job.Tags)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for sent := 0; sent < max; sent++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		text := progressText(cfg.Messages, sent, eta)
		if _, err := e.notifier.SendMessage(ctx, job.ChatID, text); err != nil {
			e.logger.Warn("progress ping failed", "job_id", job.ID, "error", err)
		}
		if err := e.RecordUpdate(ctx, job.ID, text); err != nil {
			e.logger.Warn("progress record failed", "job_id", job.ID, "error", err)
		}
		timer.Reset(interval)
	}
}

// progressText rotates through the configured messages and appends the
// eta when the job advertised one.
func progressText(messages []string, n int, eta string) string {
	text := "Still working on it."
	if len(messages) > 0 {
		text = messages[n%len(messages)]
	}
	if eta != "" {
		text = fmt.Sprintf("%s (eta ~%sm)", text, eta)
	}
	return text
}

// etaFromTags returns the minutes captured from the first eta tag, or "".
func etaFromTags(tags []string) string {
	for _, tag := range tags {
		if m := etaTag.FindStringSubmatch(tag); m != nil {
			return m[1]
		}
	}
	return ""
}
