package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const catalogYAML = `brokers:
  - id: spokeo
    name: Spokeo
    category: people-search
    removal_method: web_form_with_email_verify
    difficulty: easy
    plan_file: brokers/spokeo.yaml
    recheck_days: 45
  - id: acxiom
    name: Acxiom
    category: marketing-data
    removal_method: web_form
    difficulty: medium
`

func TestParseCatalog(t *testing.T) {
	c, err := Parse([]byte(catalogYAML))
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	spokeo, ok := c.Get("spokeo")
	require.True(t, ok)
	require.Equal(t, 45, spokeo.RecheckDays)

	// recheck_days defaults to 30.
	acxiom, ok := c.Get("acxiom")
	require.True(t, ok)
	require.Equal(t, 30, acxiom.RecheckDays)

	all := c.All()
	require.Equal(t, "spokeo", all[0].ID)
	require.Equal(t, "acxiom", all[1].ID)
}

func TestParseCatalogRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no brokers key", `{}`},
		{"missing id", "brokers:\n  - name: X\n    category: people-search\n    removal_method: web_form\n    difficulty: easy\n"},
		{"bad category", "brokers:\n  - id: x\n    name: X\n    category: nope\n    removal_method: web_form\n    difficulty: easy\n"},
		{"bad method", "brokers:\n  - id: x\n    name: X\n    category: people-search\n    removal_method: nope\n    difficulty: easy\n"},
		{"bad difficulty", "brokers:\n  - id: x\n    name: X\n    category: people-search\n    removal_method: web_form\n    difficulty: nope\n"},
		{"duplicate id", "brokers:\n  - id: x\n    name: X\n    category: people-search\n    removal_method: web_form\n    difficulty: easy\n  - id: x\n    name: Y\n    category: people-search\n    removal_method: web_form\n    difficulty: easy\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestEmptyCatalog(t *testing.T) {
	c := Empty()
	require.Zero(t, c.Len())
	_, ok := c.Get("anything")
	require.False(t, ok)
}
