package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalPlanYAML = `plan_id: broker_acme
version: 1.0.0
params_schema:
  type: object
  required: [profile_id]
  properties:
    profile_id:
      type: string
targets:
  site:
    kind: website
    base_url: https://acme.example
tasks:
  - id: fetch
    type: http.request
    input:
      method: GET
      url: "{{targets.site.base_url}}"
`

func writePlan(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoaderResolveOrder(t *testing.T) {
	root := t.TempDir()
	writePlan(t, root, "broker_acme.yaml", minimalPlanYAML)
	writePlan(t, root, filepath.Join("brokers", "whitepages.yaml"), minimalPlanYAML)

	l, err := NewLoader(root)
	require.NoError(t, err)

	path, err := l.Resolve("broker_acme")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "broker_acme.yaml"), path)

	// brokers/ subdirectory, both with and without the broker_ prefix.
	path, err = l.Resolve("whitepages")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "brokers", "whitepages.yaml"), path)

	path, err = l.Resolve("broker_whitepages")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "brokers", "whitepages.yaml"), path)

	_, err = l.Resolve("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadValidatesAndHashes(t *testing.T) {
	root := t.TempDir()
	writePlan(t, root, "broker_acme.yaml", minimalPlanYAML)

	l, err := NewLoader(root)
	require.NoError(t, err)

	p, hash, err := l.Load("broker_acme")
	require.NoError(t, err)
	require.Equal(t, "broker_acme", p.PlanID)
	require.Len(t, hash, 64)
}

func TestHashIgnoresFormatting(t *testing.T) {
	a := []byte("plan_id: x\nversion: 1.0.0\n")
	b := []byte("# a comment\nversion:   1.0.0\nplan_id: x\n")
	c := []byte("plan_id: y\nversion: 1.0.0\n")

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	hc, err := Hash(c)
	require.NoError(t, err)

	require.Equal(t, ha, hb)
	require.NotEqual(t, ha, hc)
}

func TestValidateParams(t *testing.T) {
	root := t.TempDir()
	writePlan(t, root, "broker_acme.yaml", minimalPlanYAML)
	l, err := NewLoader(root)
	require.NoError(t, err)
	p, _, err := l.Load("broker_acme")
	require.NoError(t, err)

	require.NoError(t, p.ValidateParams(map[string]any{"profile_id": "p1"}))

	err = p.ValidateParams(map[string]any{})
	require.ErrorIs(t, err, ErrParamsInvalid)

	err = p.ValidateParams(map[string]any{"profile_id": 42})
	require.ErrorIs(t, err, ErrParamsInvalid)

	// No schema accepts anything.
	bare := &Plan{}
	require.NoError(t, bare.ValidateParams(nil))
}
