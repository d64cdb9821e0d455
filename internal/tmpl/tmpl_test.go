package tmpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Params: map[string]any{
			"profile_id": "p1",
			"count":      float64(3),
		},
		Targets: map[string]any{
			"site": map[string]any{"base_url": "https://acme.example"},
		},
		State: map[string]any{
			"search": map[string]any{
				"listings": []any{
					map[string]any{"url": "https://acme.example/p/1", "confidence": 0.9},
					map[string]any{"url": "https://acme.example/p/2"},
				},
			},
		},
	}
}

func TestResolveInterpolation(t *testing.T) {
	ctx := testContext()
	got := Resolve("{{targets.site.base_url}}/opt-out?p={{params.profile_id}}", ctx)
	require.Equal(t, "https://acme.example/opt-out?p=p1", got)
}

func TestResolveWholeRefKeepsType(t *testing.T) {
	ctx := testContext()

	// A lone reference returns the raw value, not its string form.
	got := Resolve("{{state.search.listings}}", ctx)
	list, ok := got.([]any)
	require.True(t, ok)
	require.Len(t, list, 2)

	require.Equal(t, float64(3), Resolve("{{params.count}}", ctx))
	require.Equal(t, "count is 3", Resolve("count is {{params.count}}", ctx))
}

func TestResolveIndexedPath(t *testing.T) {
	ctx := testContext()
	require.Equal(t, "https://acme.example/p/2",
		Resolve("{{state.search.listings[1].url}}", ctx))

	got, ok := Lookup("state.search.listings[5].url", ctx)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestResolveMissingRendersEmpty(t *testing.T) {
	ctx := testContext()
	require.Equal(t, "", Resolve("{{params.missing}}", ctx))
	require.Equal(t, "x= y=p1", Resolve("x={{params.missing}} y={{params.profile_id}}", ctx))
}

func TestResolveWalksStructures(t *testing.T) {
	ctx := testContext()
	input := map[string]any{
		"url":   "{{targets.site.base_url}}",
		"count": 2,
		"nested": []any{
			map[string]any{"id": "{{params.profile_id}}"},
		},
	}
	out, ok := Resolve(input, ctx).(map[string]any)
	require.True(t, ok)
	require.Equal(t, "https://acme.example", out["url"])
	require.Equal(t, 2, out["count"])
	nested := out["nested"].([]any)[0].(map[string]any)
	require.Equal(t, "p1", nested["id"])
}

func TestStringifyObjects(t *testing.T) {
	ctx := testContext()
	got := Resolve("first: {{state.search.listings[0]}}", ctx).(string)
	require.Contains(t, got, `"url":"https://acme.example/p/1"`)
}
