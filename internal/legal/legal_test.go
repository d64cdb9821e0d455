package legal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testProfile() map[string]any {
	return map[string]any{
		"full_name": "John Smith",
		"aliases":   []any{"Johnny Smith"},
		"addresses": []any{
			map[string]any{"street": "12 Oak St", "city": "Denver", "state": "CO", "zip": "80014"},
			map[string]any{"street": "500 Main St", "city": "Austin", "state": "TX", "zip": "78701", "current": true},
		},
		"date_of_birth":   "1986-01-15",
		"email_addresses": []any{"john@example.com"},
		"phone_numbers":   []any{map[string]any{"number": "512-555-0147"}},
	}
}

func TestRenderCCPA(t *testing.T) {
	letter, err := Render("ccpa_deletion", testProfile(), "Acme Data", "1 Broker Way")
	require.NoError(t, err)

	require.Equal(t, "CCPA Deletion Request — John Smith", letter.Subject)
	require.Equal(t, "Acme Data", letter.RecipientName)
	require.Equal(t, "1 Broker Way", letter.RecipientAddress)

	// The current address is the letterhead address.
	require.Contains(t, letter.Body, "500 Main St")
	require.Contains(t, letter.Body, "Austin, TX 78701")
	require.Contains(t, letter.Body, "- Also known as: Johnny Smith")
	require.Contains(t, letter.Body, "- Date of Birth: 1986-01-15")
	require.Contains(t, letter.Body, "- Phone: 512-555-0147")
	require.Contains(t, letter.Body, "- Address(es):")
	require.Contains(t, letter.Body, "12 Oak St; Denver, CO 80014")
	require.Contains(t, letter.Body, "john@example.com")
}

func TestRenderGDPR(t *testing.T) {
	letter, err := Render("gdpr_erasure", testProfile(), "Acme Data", "")
	require.NoError(t, err)
	require.Equal(t, "GDPR Erasure Request — John Smith", letter.Subject)
	require.Contains(t, letter.Body, "Article 17")
	require.Equal(t, "[Address Not Available]", letter.RecipientAddress)
}

func TestRenderOmitsAbsentFields(t *testing.T) {
	letter, err := Render("ccpa_deletion", map[string]any{"full_name": "Jane Doe"}, "Acme Data", "x")
	require.NoError(t, err)
	require.NotContains(t, letter.Body, "Also known as")
	require.NotContains(t, letter.Body, "Date of Birth")
	require.NotContains(t, letter.Body, "Phone:")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render("bogus", testProfile(), "Acme Data", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ccpa_deletion")
}

func TestTemplateIDs(t *testing.T) {
	require.Equal(t, []string{"ccpa_deletion", "gdpr_erasure"}, TemplateIDs())
}
