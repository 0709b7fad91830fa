package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
)

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestSubmitCreatesLocalJob(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	t.Setenv("BNAFLOW_STORE_PATH", dbPath)

	err := runCLI(t, "submit",
		"--country", "USA",
		"--city", "Santa Rosa",
		"--region", "New Mexico",
		"--fips", "3570670")
	require.NoError(t, err)

	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	jobs, err := store.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.Equal(t, pipeline.StatusProvisioning, jobs[0].Status)
	assert.Equal(t, "usa", jobs[0].Params.Country)
	assert.Equal(t, "santa rosa", jobs[0].Params.City)

	pending, err := store.PendingTriggers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestSubmitCollapsesDuplicates(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	t.Setenv("BNAFLOW_STORE_PATH", dbPath)

	require.NoError(t, runCLI(t, "submit", "--country", "malta", "--city", "valletta"))
	require.NoError(t, runCLI(t, "submit", "--country", "malta", "--city", "valletta"))

	store, err := jobstore.Open(context.Background(), jobstore.Config{Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	jobs, err := store.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmitRejectsMissingCity(t *testing.T) {
	t.Setenv("BNAFLOW_STORE_PATH", filepath.Join(t.TempDir(), "jobs.db"))

	err := runCLI(t, "submit", "--country", "usa", "--city", "")
	require.Error(t, err)
}
