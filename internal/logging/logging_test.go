package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactorPatterns(t *testing.T) {
	r := &Redactor{}

	require.Equal(t, "ssn [SSN-REDACTED] here", r.Apply("ssn 123-45-6789 here"))
	require.Equal(t, "call [PHONE-REDACTED]", r.Apply("call 512-555-0147"))
	require.Equal(t, "mail [EMAIL-REDACTED]", r.Apply("mail john@example.com"))
	require.Equal(t, "zip [ZIP-REDACTED]", r.Apply("zip 78701"))
	require.Equal(t, "nothing to scrub", r.Apply("nothing to scrub"))
}

func TestRedactorTerms(t *testing.T) {
	r := &Redactor{}
	r.SetTerms([]string{"John Smith", "ab"})

	require.Equal(t, "found [PII-REDACTED] on page", r.Apply("found John Smith on page"))
	// Terms shorter than three characters are dropped.
	require.Equal(t, "ab stays", r.Apply("ab stays"))

	r.SetTerms(nil)
	require.Equal(t, "found John Smith on page", r.Apply("found John Smith on page"))
}

func TestNewLogger(t *testing.T) {
	logger, redactor, err := New(true, true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NotNil(t, redactor)

	// Redactor is non-nil even with redaction off.
	_, redactor, err = New(false, false)
	require.NoError(t, err)
	require.NotNil(t, redactor)
}
