package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBootstrapReportsPlanHealth(t *testing.T) {
	h := newHarness(t, map[string]string{
		"broker_acme.yaml":   simplePlan,
		"broker_broken.yaml": "plan_id: broker_broken\nversion: not-semver\n",
		"notes.txt":          "ignored",
	}, nil)

	report, err := h.service.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Plans, 2)
	require.Equal(t, 1, report.PlanErrors)

	byID := map[string]planCheckResult{}
	for _, p := range report.Plans {
		byID[p.PlanID] = p
	}
	require.Len(t, byID["broker_acme"].Hash, 64)
	require.Equal(t, 2, byID["broker_acme"].Tasks)
	require.NotEmpty(t, byID["broker_broken"].Error)

	// The report lands under the artifacts root.
	entries, err := os.ReadDir(filepath.Join(h.service.Config.ArtifactsRoot, "startup"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(h.service.Config.ArtifactsRoot, "startup", entries[0].Name()))
	require.NoError(t, err)
	var onDisk startupReport
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, 1, onDisk.PlanErrors)
}

func TestBootstrapEmptyPlansRoot(t *testing.T) {
	h := newHarness(t, nil, nil)

	report, err := h.service.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Plans)
	require.Zero(t, report.PlanErrors)
}
