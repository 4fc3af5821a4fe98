// Package leakguard classifies user-authored text before it is sent, blocking
// attempts to move a conversation or payment off the platform: phone
// numbers, payment handles, messaging-app references and links.
//
// Scan runs four passes in order and stops at the first hit:
//
//  1. keywords against the text folded to ASCII letters and digits, which
//     defeats separators such as "w.h.a.t.s.a.p.p" or "w-h-a-t-s-a-p-p";
//  2. keywords as plain lower-case substrings;
//  3. digit density (ten or more digits anywhere in the text);
//  4. loose phone-number and URL regular expressions.
//
// A hit is reported to the Auditor in the background; the verdict never
// waits for, or depends on, the audit write.
package leakguard

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// EventName is the audit event emitted for every blocked message.
const EventName = "leakage_attempt_blocked"

// Auditor records security events. signalq.Repository and signalq.Publisher
// both satisfy it.
type Auditor interface {
	LogEvent(ctx context.Context, name string, properties, deviceInfo map[string]any) error
}

// Result is the verdict for one piece of text.
type Result struct {
	IsSafe  bool   `json:"is_safe"`
	Warning string `json:"warning,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
}

// Options configures a Guard.
type Options struct {
	// DeviceInfo is attached to every audit event.
	DeviceInfo map[string]any

	// AuditTimeout bounds each background audit write. Default 10s.
	AuditTimeout time.Duration
}

// Guard scans text against a compiled rule set. It holds no per-call state
// and is safe for concurrent use.
type Guard struct {
	rules   *Rules
	auditor Auditor
	opts    Options
	wg      sync.WaitGroup
}

// New creates a guard. auditor may be nil, in which case detections are
// only logged.
func New(rules *Rules, auditor Auditor, opts Options) *Guard {
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 10 * time.Second
	}
	return &Guard{rules: rules, auditor: auditor, opts: opts}
}

// NewDefault creates a guard with the embedded rules.
func NewDefault(auditor Auditor, opts Options) (*Guard, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return New(rules, auditor, opts), nil
}

// Scan classifies text submitted by userID. contextID (a thread or booking
// id, may be empty) is only used for the audit record.
func (g *Guard) Scan(ctx context.Context, text, userID, contextID string) Result {
	reason, flagged := g.detect(text)
	if !flagged {
		scansTotal.WithLabelValues("safe").Inc()
		return Result{IsSafe: true}
	}

	scansTotal.WithLabelValues("blocked").Inc()
	detectionsTotal.WithLabelValues(string(reason)).Inc()
	g.audit(ctx, reason, text, userID, contextID)
	return Result{IsSafe: false, Warning: g.rules.Warning, Reason: reason}
}

func (g *Guard) detect(text string) (Reason, bool) {
	collapsed := collapse(text)
	for _, kw := range g.rules.collapsed {
		if strings.Contains(collapsed, kw) {
			return ReasonObfuscatedKeyword, true
		}
	}

	lower := strings.ToLower(text)
	for _, kw := range g.rules.literal {
		if strings.Contains(lower, kw) {
			return ReasonKeyword, true
		}
	}
	for _, kw := range g.rules.words {
		if containsWord(lower, kw) {
			return ReasonKeyword, true
		}
	}

	if countDigits(text) >= g.rules.MinDigits {
		return ReasonNumericPayload, true
	}

	for _, p := range g.rules.Patterns {
		if p.compiled.MatchString(text) {
			return p.Reason, true
		}
	}
	return "", false
}

// audit emits the security event on its own goroutine. Failures and panics
// in the auditor are logged and swallowed.
func (g *Guard) audit(ctx context.Context, reason Reason, text, userID, contextID string) {
	props := map[string]any{
		"reason":  string(reason),
		"snippet": snippet(text, g.rules.SnippetRunes),
		"user_id": userID,
	}
	if contextID != "" {
		props["context_id"] = contextID
	}

	slog.Warn("leakguard: message blocked",
		"reason", reason,
		"user_id", userID,
		"context_id", contextID,
	)

	if g.auditor == nil {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("leakguard: auditor panicked", "panic", r)
			}
		}()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.AuditTimeout)
		defer cancel()
		if err := g.auditor.LogEvent(actx, EventName, props, g.opts.DeviceInfo); err != nil {
			slog.Error("leakguard: failed to log security event",
				"reason", reason,
				"error", err,
			)
		}
	}()
}

// Wait blocks until pending audit writes have finished.
func (g *Guard) Wait() {
	g.wg.Wait()
}

// collapse folds compatibility forms and strips accents, lower-cases, and
// keeps only ASCII letters and digits.
func collapse(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for i := 0; i < len(folded); i++ {
		c := folded[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// countDigits counts ASCII digits after folding full-width digits.
func countDigits(s string) int {
	n := 0
	for _, r := range norm.NFKC.String(s) {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func snippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
