// Package agent assembles per-request context, walks the model chain
// with cooldown-aware failover, and turns provider failures into
// classified envelopes and user-facing messages.
package agent

import (
	"regexp"
	"strings"
	"time"
)

// Category tags a provider or sandbox failure for retry and cooldown
// decisions.
type Category string

const (
	CategoryAborted         Category = "aborted"
	CategoryAuth            Category = "auth"
	CategoryContextOverflow Category = "context_overflow"
	CategoryRateLimit       Category = "rate_limit"
	CategoryTimeout         Category = "timeout"
	CategoryOverloaded      Category = "overloaded"
	CategoryInvalidResponse Category = "invalid_response"
	CategoryTransport       Category = "transport"
	CategoryNonRetryable    Category = "non_retryable"
)

// Retryable reports whether another attempt (same or different model)
// can reasonably succeed.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimit, CategoryTimeout, CategoryOverloaded,
		CategoryTransport, CategoryInvalidResponse:
		return true
	default:
		return false
	}
}

// classifier order matters: the first matching pattern wins, so abort
// and auth signals preempt the broader transient buckets.
var classifiers = []struct {
	category Category
	re       *regexp.Regexp
}{
	{CategoryAborted, regexp.MustCompile(`(?i)\b(preempted|aborted|abort requested|context canceled|context cancelled)\b`)},
	{CategoryAuth, regexp.MustCompile(`(?i)(\b40[123]\b|unauthorized|forbidden|invalid[ _]?api[ _]?key|authentication failed|insufficient[ _]credit)`)},
	{CategoryContextOverflow, regexp.MustCompile(`(?i)(context[ _-]?(length|window)|token[ _-]?limit|too many tokens|maximum context|prompt is too long|input (is )?too (long|large))`)},
	{CategoryRateLimit, regexp.MustCompile(`(?i)(\b429\b|rate[ _-]?limit|too many requests|quota exceeded)`)},
	{CategoryTimeout, regexp.MustCompile(`(?i)(timed?[ _-]?out|deadline exceeded)`)},
	{CategoryOverloaded, regexp.MustCompile(`(?i)(\b(500|502|503|504|529)\b|overloaded|service unavailable|internal server error|bad gateway|at capacity)`)},
	{CategoryInvalidResponse, regexp.MustCompile(`(?i)(invalid[ _-]?response|malformed|unexpected (token|end|eof)|parse error|failed to (parse|decode)|empty (response|completion)|no content block)`)},
	{CategoryTransport, regexp.MustCompile(`(?i)(econnrefused|econnreset|eai_again|enotfound|epipe|connection (refused|reset|closed)|no such host|network is unreachable|broken pipe|tls handshake)`)},
}

// Classify maps an error message onto a failure category. Unmatched
// messages are non-retryable.
func Classify(message string) Category {
	for _, c := range classifiers {
		if c.re.MatchString(message) {
			return c.category
		}
	}
	return CategoryNonRetryable
}

// ClassifyErr is Classify over an error, tolerating nil.
func ClassifyErr(err error) Category {
	if err == nil {
		return CategoryNonRetryable
	}
	return Classify(err.Error())
}

// envelopeMessageMax bounds the compacted technical message carried in
// traces and run logs.
const envelopeMessageMax = 240

// Envelope is the classified failure record attached to traces, job
// events and failover decisions.
type Envelope struct {
	Category   Category  `json:"category"`
	Retryable  bool      `json:"retryable"`
	Source     string    `json:"source"`
	Attempt    int       `json:"attempt"`
	Model      string    `json:"model,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewEnvelope classifies err and wraps it with attempt context. The
// message is whitespace-compacted and truncated.
func NewEnvelope(err error, source, model string, attempt int, now time.Time) Envelope {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if attempt < 1 {
		attempt = 1
	}
	category := Classify(message)
	return Envelope{
		Category:   category,
		Retryable:  category.Retryable(),
		Source:     source,
		Attempt:    attempt,
		Model:      model,
		StatusCode: extractStatusCode(message),
		Message:    compactMessage(message),
		Timestamp:  now,
	}
}

var statusCodeRe = regexp.MustCompile(`\b(40[0-9]|429|50[0-9]|529)\b`)

func extractStatusCode(message string) int {
	match := statusCodeRe.FindString(message)
	if match == "" {
		return 0
	}
	code := 0
	for _, r := range match {
		code = code*10 + int(r-'0')
	}
	return code
}

func compactMessage(message string) string {
	compact := strings.Join(strings.Fields(message), " ")
	if len(compact) > envelopeMessageMax {
		compact = compact[:envelopeMessageMax]
	}
	return compact
}

// Severity grades a failure for log level selection.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
)

// SeverityFor grades a category: transient failures warn, context
// overflow is informational, auth and the rest are errors.
func SeverityFor(category Category) Severity {
	switch {
	case category == CategoryAuth:
		return SeverityError
	case category == CategoryContextOverflow:
		return SeverityInfo
	case category.Retryable():
		return SeverityWarn
	default:
		return SeverityError
	}
}

// humanPattern overrides the per-category message for failures the
// category alone describes poorly, mostly sandbox problems.
type humanPattern struct {
	re   *regexp.Regexp
	text string
}

var humanPatterns = []humanPattern{
	{regexp.MustCompile(`(?i)(no such container|container .*(exited|not running)|oci runtime)`),
		"The sandbox for that request stopped unexpectedly. A fresh one starts on the next try."},
	{regexp.MustCompile(`(?i)(out of memory|oom[- ]?kill)`),
		"That request ran out of memory in the sandbox. A smaller request should go through."},
	{regexp.MustCompile(`(?i)no space left on device`),
		"The host is out of disk space. An operator needs to clear room before much else will work."},
	{regexp.MustCompile(`(?i)(model .*(not found|unknown)|unknown model|unsupported model)`),
		"That model isn't available here. Ask for the model list or let the default handle it."},
}

var humanByCategory = map[Category]string{
	CategoryAborted:         "That request was stopped before it finished.",
	CategoryAuth:            "The model provider rejected our credentials. An operator needs to check the API key.",
	CategoryContextOverflow: "That conversation grew past the model's context window. Trimming it or starting fresh will fix it.",
	CategoryRateLimit:       "The model provider is rate-limiting us. Give it a minute and try again.",
	CategoryTimeout:         "The model took too long to answer. Retrying usually works.",
	CategoryOverloaded:      "The model provider is overloaded right now. Retrying shortly usually works.",
	CategoryInvalidResponse: "The model returned something unusable. Retrying usually clears it.",
	CategoryTransport:       "I couldn't reach the model provider. If this keeps happening, check connectivity.",
	CategoryNonRetryable:    "Something went wrong that a retry won't fix. The technical details are in the trace log.",
}

// Humanize converts a technical failure into the one-line message a
// chat user sees, plus the severity for the host's log line. Pure
// function of the message text.
func Humanize(message string) (string, Severity) {
	for _, p := range humanPatterns {
		if p.re.MatchString(message) {
			return p.text, SeverityError
		}
	}
	category := Classify(message)
	return humanByCategory[category], SeverityFor(category)
}
