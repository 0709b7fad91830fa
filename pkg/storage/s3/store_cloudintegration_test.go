//go:build cloudintegration

package s3_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spokeworks/bnaflow/pkg/destination"
	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/storage"
	s3store "github.com/spokeworks/bnaflow/pkg/storage/s3"
	"github.com/spokeworks/bnaflow/test/cloudtest"
)

func openStore(t *testing.T, ctx context.Context, bucket string) *s3store.Store {
	t.Helper()
	store, err := s3store.New(ctx, s3store.Config{
		Bucket:          bucket,
		Region:          cloudtest.Region,
		Endpoint:        cloudtest.Endpoint,
		AccessKeyID:     cloudtest.TestAccessKeyID,
		SecretAccessKey: cloudtest.TestSecretAccessKey,
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestS3Store_RoundTrip(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	store := openStore(t, ctx, bucket)

	require.NoError(t, store.Put(ctx, "usa/new mexico/santa rosa/26.08/scores.csv",
		strings.NewReader("id,score\n"), 9))

	meta, err := store.Head(ctx, "usa/new mexico/santa rosa/26.08/scores.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.Size)

	rc, err := store.Get(ctx, "usa/new mexico/santa rosa/26.08/scores.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "id,score\n", string(body))

	res, err := store.List(ctx, storage.ListOptions{Prefix: "usa/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)

	require.NoError(t, store.Delete(ctx, "usa/new mexico/santa rosa/26.08/scores.csv"))

	_, err = store.Head(ctx, "usa/new mexico/santa rosa/26.08/scores.csv")
	assert.True(t, storage.IsNotFound(err))
}

func TestS3Store_HeadMissing(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	store := openStore(t, ctx, bucket)

	_, err := store.Head(ctx, "no/such/key")
	assert.True(t, storage.IsNotFound(err))
}

func TestPreparer_AgainstS3(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()
	bucket := cloudtest.CreateBucket(t, ctx)
	store := openStore(t, ctx, bucket)

	clock := func() time.Time { return time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC) }
	prep := destination.NewPreparer(store, clock)

	params := pipeline.AnalysisParameters{Country: "USA", Region: "New Mexico", City: "Santa Rosa"}

	prefix, version, err := prep.Prepare(ctx, params.Sanitized())
	require.NoError(t, err)
	assert.Equal(t, "usa/new mexico/santa rosa/26.08", prefix)
	assert.Equal(t, "26.08", version)

	// A second run for the same month gets the next micro revision.
	prefix2, version2, err := prep.Prepare(ctx, params.Sanitized())
	require.NoError(t, err)
	assert.Equal(t, "usa/new mexico/santa rosa/26.08.1", prefix2)
	assert.Equal(t, "26.08.1", version2)

	_, err = store.Head(ctx, prefix+"/")
	require.NoError(t, err)
}
