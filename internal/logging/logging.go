// Package logging builds the process logger. All components receive a
// *zap.Logger as an explicit dependency; nothing logs through package-level
// state. When redaction is enabled the logger scrubs common PII patterns
// (SSN, phone, email, ZIP) plus any registered profile terms from messages
// and string fields before they reach the encoder.
package logging

import (
	"regexp"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var piiPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\b\d{3}[-.]?\d{2}[-.]?\d{4}\b`), "[SSN-REDACTED]"},
	{regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`), "[PHONE-REDACTED]"},
	{regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`), "[EMAIL-REDACTED]"},
	{regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`), "[ZIP-REDACTED]"},
}

// Redactor scrubs PII from strings. Additional terms (names, street
// addresses) can be registered after profiles are decrypted.
type Redactor struct {
	mu    sync.RWMutex
	terms []string
}

// SetTerms replaces the registered PII terms. Terms shorter than three
// characters are dropped to avoid shredding ordinary log text.
func (r *Redactor) SetTerms(terms []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terms = r.terms[:0]
	for _, t := range terms {
		if len(t) > 2 {
			r.terms = append(r.terms, t)
		}
	}
}

// Apply returns s with all PII patterns and registered terms replaced.
func (r *Redactor) Apply(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.terms {
		s = replaceAll(s, t, "[PII-REDACTED]")
	}
	return s
}

func replaceAll(s, old, new string) string {
	if old == "" {
		return s
	}
	out := make([]byte, 0, len(s))
	for {
		i := indexOf(s, old)
		if i < 0 {
			return string(append(out, s...))
		}
		out = append(out, s[:i]...)
		out = append(out, new...)
		s = s[i+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// redactingCore rewrites entries before delegating to the wrapped core.
type redactingCore struct {
	zapcore.Core
	redactor *Redactor
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(c.redactFields(fields)), redactor: c.redactor}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.redactor.Apply(ent.Message)
	return c.Core.Write(ent, c.redactFields(fields))
}

func (c *redactingCore) redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)
	for i := range out {
		if out[i].Type == zapcore.StringType {
			out[i].String = c.redactor.Apply(out[i].String)
		}
	}
	return out
}

// New builds the process logger. When redact is true the returned Redactor is
// active; it is always non-nil so callers can register terms unconditionally.
func New(verbose, redact bool) (*zap.Logger, *Redactor, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}

	r := &Redactor{}
	if redact {
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &redactingCore{Core: core, redactor: r}
		}))
	}
	return logger, r, nil
}
