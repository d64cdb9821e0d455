package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "john smith", NormalizeName("John Smith Jr."))
	require.Equal(t, "jane a doe", NormalizeName("  Jane A. Doe, PhD "))
	require.Equal(t, "robert lee", NormalizeName("Robert Lee III"))
}

func TestNamesMatchBands(t *testing.T) {
	ok, score := NamesMatch("John Smith", "john smith jr")
	require.True(t, ok)
	require.Equal(t, 1.0, score)

	// Same tokens, different order.
	ok, score = NamesMatch("Smith John", "John Smith")
	require.True(t, ok)
	require.GreaterOrEqual(t, score, 0.92)

	// First and last agree, middle differs.
	ok, score = NamesMatch("John Allen Smith", "John Robert Smith")
	require.True(t, ok)
	require.Equal(t, 0.75, score)

	// Initial form.
	ok, score = NamesMatch("J Smith", "John Smith")
	require.True(t, ok)
	require.Equal(t, 0.65, score)

	ok, _ = NamesMatch("John Smith", "Alice Wong")
	require.False(t, ok)
}

func TestLocationMatches(t *testing.T) {
	addresses := []map[string]any{
		{"city": "Austin", "state": "Texas", "current": true},
		{"city": "Denver", "state": "CO"},
	}

	ok, score := LocationMatches("Austin, TX", addresses)
	require.True(t, ok)
	require.Equal(t, 1.0, score)

	// Prior address scores lower than the current one.
	ok, score = LocationMatches("Denver, CO", addresses)
	require.True(t, ok)
	require.Equal(t, 0.85, score)

	ok, score = LocationMatches("Miami, FL", addresses)
	require.False(t, ok)
	require.Less(t, score, 0.5)
}

func TestAgeMatches(t *testing.T) {
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)

	ok, score := AgeMatches(40, "1986-01-15", now)
	require.True(t, ok)
	require.Equal(t, 1.0, score)

	// Within the two-year tolerance.
	ok, score = AgeMatches(42, "1986-01-15", now)
	require.True(t, ok)
	require.InDelta(t, 0.8, score, 0.0001)

	ok, _ = AgeMatches(55, "1986-01-15", now)
	require.False(t, ok)

	ok, _ = AgeMatches("not a number", "1986-01-15", now)
	require.False(t, ok)
}

func TestPhoneMatches(t *testing.T) {
	phones := []map[string]any{{"number": "+1 (512) 555-0147"}}

	ok, score := PhoneMatches("512-555-0147", phones)
	require.True(t, ok)
	require.Equal(t, 1.0, score)

	// Same line, different area code.
	ok, score = PhoneMatches("737-555-0147", phones)
	require.True(t, ok)
	require.Equal(t, 0.7, score)

	ok, _ = PhoneMatches("512-555-9999", phones)
	require.False(t, ok)
}

func TestRelativesMatch(t *testing.T) {
	ok, score := RelativesMatch(
		[]string{"Mary Smith", "Unrelated Person"},
		[]string{"Mary Smith", "Tom Smith"})
	require.True(t, ok)
	require.Equal(t, 0.5, score)

	ok, _ = RelativesMatch([]string{"Nobody Known"}, []string{"Mary Smith"})
	require.False(t, ok)
}

func TestHeuristicMatch(t *testing.T) {
	profile := map[string]any{
		"full_name":     "John Smith",
		"addresses":     []any{map[string]any{"city": "Austin", "state": "TX", "current": true}},
		"date_of_birth": "1986-01-15",
		"phone_numbers": []any{map[string]any{"number": "512-555-0147"}},
	}
	listing := map[string]any{
		"name":     "John Smith",
		"location": "Austin, TX",
		"age":      40,
		"phone":    "512-555-0147",
	}

	res := HeuristicMatch(listing, profile)
	require.Equal(t, 1.0, res.Confidence)
	require.False(t, res.NeedsLLMVerify)
	require.Len(t, res.MatchedFields, 4)

	// Only overlapping fields contribute.
	partial := HeuristicMatch(map[string]any{"name": "John Smith"}, profile)
	require.Equal(t, 1.0, partial.Confidence)
	require.Len(t, partial.MatchedFields, 1)

	// A borderline score is flagged for LLM review.
	borderline := HeuristicMatch(map[string]any{
		"name":     "John Allen Smith",
		"location": "Miami, FL",
	}, profile)
	require.True(t, borderline.NeedsLLMVerify,
		"confidence %v should be in the LLM band", borderline.Confidence)

	empty := HeuristicMatch(map[string]any{}, profile)
	require.Equal(t, 0.0, empty.Confidence)
	require.False(t, empty.NeedsLLMVerify)
}
