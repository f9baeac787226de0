// Package messenger defines the outbound chat-provider seam and a paced
// wrapper that keeps sends under the provider's API limits.
//
// The host never talks to a chat API directly: streaming delivery, job
// completion notices and scheduler output all go through a Messenger.
package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/dotclaw/dotclaw/internal/backoff"
	"github.com/dotclaw/dotclaw/internal/config"
)

// Messenger is the provider surface the host sends through. Returned
// message IDs must be stable enough to edit or delete later.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	SendFile(ctx context.Context, chatID, path, caption string) (string, error)
	SendPhoto(ctx context.Context, chatID, path, caption string) (string, error)
	SendVoice(ctx context.Context, chatID, path string) (string, error)
}

// Paced decorates a Messenger with token-bucket pacing and transient
// retries. Every call, retries included, waits for a limiter slot, so
// streaming edits and completion notices share one send budget.
type Paced struct {
	inner    Messenger
	limiter  *rate.Limiter
	policy   backoff.Policy
	attempts int
	logger   *slog.Logger
}

// PacedOption configures a Paced wrapper.
type PacedOption func(*Paced)

// WithPacedLogger sets the logger.
func WithPacedLogger(logger *slog.Logger) PacedOption {
	return func(p *Paced) { p.logger = logger }
}

// WithPacedPolicy replaces the retry backoff policy.
func WithPacedPolicy(policy backoff.Policy) PacedOption {
	return func(p *Paced) { p.policy = policy }
}

// NewPaced wraps inner with the configured send pacing.
func NewPaced(inner Messenger, cfg config.TelegramConfig, opts ...PacedOption) *Paced {
	perSecond := cfg.SendsPerSecond
	if perSecond <= 0 {
		perSecond = 25
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}
	attempts := cfg.SendRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	p := &Paced{
		inner:    inner,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		policy:   backoff.Default(),
		attempts: attempts,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "messenger")
	return p
}

func (p *Paced) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	return pace(ctx, p, "send", func(ctx context.Context) (string, error) {
		return p.inner.SendMessage(ctx, chatID, text)
	})
}

func (p *Paced) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	_, err := pace(ctx, p, "edit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.inner.EditMessage(ctx, chatID, messageID, text)
	})
	return err
}

func (p *Paced) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	_, err := pace(ctx, p, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.inner.DeleteMessage(ctx, chatID, messageID)
	})
	return err
}

func (p *Paced) SendFile(ctx context.Context, chatID, path, caption string) (string, error) {
	return pace(ctx, p, "send_file", func(ctx context.Context) (string, error) {
		return p.inner.SendFile(ctx, chatID, path, caption)
	})
}

func (p *Paced) SendPhoto(ctx context.Context, chatID, path, caption string) (string, error) {
	return pace(ctx, p, "send_photo", func(ctx context.Context) (string, error) {
		return p.inner.SendPhoto(ctx, chatID, path, caption)
	})
}

func (p *Paced) SendVoice(ctx context.Context, chatID, path string) (string, error) {
	return pace(ctx, p, "send_voice", func(ctx context.Context) (string, error) {
		return p.inner.SendVoice(ctx, chatID, path)
	})
}

func pace[T any](ctx context.Context, p *Paced, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !Transient(err) || attempt == p.attempts {
			break
		}
		p.logger.Debug("outbound retry", "op", op, "attempt", attempt, "error", err)
		if err := backoff.Sleep(ctx, backoff.Compute(p.policy, attempt)); err != nil {
			return zero, err
		}
	}
	return zero, fmt.Errorf("%s: %w", op, lastErr)
}

// transientMarkers are provider failures worth retrying: throttles,
// gateway flakes and socket drops. Anything else surfaces immediately.
var transientMarkers = []string{
	"429", "too many requests", "retry after",
	"500", "502", "503", "504",
	"timed out", "timeout", "deadline exceeded",
	"connection reset", "connection refused", "broken pipe", "unexpected eof",
}

// Transient reports whether an outbound failure is worth retrying.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
