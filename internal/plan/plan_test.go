package plan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validPlan() *Plan {
	return &Plan{
		PlanID:  "broker_acme",
		Version: "1.0.0",
		Targets: map[string]Target{
			"site": {Kind: "website", BaseURL: "https://acme.example"},
		},
		Tasks: []Task{
			{ID: "fetch", Type: TypeHTTPRequest, Input: map[string]any{"method": "GET", "url": "https://acme.example"}},
			{ID: "parse", Type: TypeScrapeStatic, DependsOn: []string{"fetch"}},
		},
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	p := validPlan()
	require.NoError(t, p.Validate())
	require.Equal(t, 3, p.Tasks[0].MaxAttempts)
	require.Equal(t, 120_000, p.Tasks[0].TimeoutMs)
	require.True(t, p.Tasks[0].IsIdempotent())
}

func TestValidateDowngradesUnsafeHTTPIdempotency(t *testing.T) {
	p := validPlan()
	p.Tasks[0].Input["method"] = "POST"
	require.NoError(t, p.Validate())
	require.False(t, p.Tasks[0].IsIdempotent())
	require.True(t, p.Tasks[0].IsSideEffect())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Plan)
	}{
		{"bad version", func(p *Plan) { p.Version = "1.0" }},
		{"bad task id", func(p *Plan) { p.Tasks[0].ID = "has space" }},
		{"duplicate id", func(p *Plan) { p.Tasks[1].ID = "fetch" }},
		{"unknown type", func(p *Plan) { p.Tasks[0].Type = "bogus.type" }},
		{"unknown dep", func(p *Plan) { p.Tasks[1].DependsOn = []string{"nope"} }},
		{"attempts out of range", func(p *Plan) { p.Tasks[0].MaxAttempts = 11 }},
		{"timeout out of range", func(p *Plan) { p.Tasks[0].TimeoutMs = 100 }},
		{"no targets", func(p *Plan) { p.Targets = nil }},
		{"no tasks", func(p *Plan) { p.Tasks = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPlan()
			tc.mutate(p)
			require.Error(t, p.Validate())
		})
	}
}

func TestSideEffectClassification(t *testing.T) {
	require.True(t, (&Task{Type: TypeFormSubmit}).IsSideEffect())
	require.True(t, (&Task{Type: TypeEmailSend}).IsSideEffect())
	require.True(t, (&Task{Type: TypeBrokerUpdate}).IsSideEffect())
	require.False(t, (&Task{Type: TypeScrapeStatic}).IsSideEffect())
	require.False(t, (&Task{Type: TypeHTTPRequest, Input: map[string]any{"method": "GET"}}).IsSideEffect())
	require.True(t, (&Task{Type: TypeHTTPRequest, Input: map[string]any{"method": "DELETE"}}).IsSideEffect())
}

func TestTaskLookup(t *testing.T) {
	p := validPlan()
	require.NotNil(t, p.Task("fetch"))
	require.Nil(t, p.Task("missing"))
}
