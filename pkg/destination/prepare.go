package destination

import (
	"context"
	"strings"
	"time"

	"github.com/spokeworks/bnaflow/pkg/pipeline"
	"github.com/spokeworks/bnaflow/pkg/storage"
)

// MarkerSuffix trails every destination directory marker object.
const MarkerSuffix = "/"

// Preparer provisions destination directories in an object store.
type Preparer struct {
	store storage.Store
	now   func() time.Time
}

// NewPreparer creates a Preparer against the given object store. A nil
// clock uses wall time.
func NewPreparer(store storage.Store, clock func() time.Time) *Preparer {
	if clock == nil {
		clock = time.Now
	}
	return &Preparer{store: store, now: clock}
}

// Prepare resolves and creates the destination directory for the given
// city. It lists existing directories under the month's base path, picks
// the next free micro revision, and writes a zero-byte marker object so
// the directory exists before the analysis task starts.
//
// Two concurrent invocations for the same city may both succeed and pick
// the same prefix; the conditional destination write on the job record is
// what keeps exactly one of them authoritative.
func (p *Preparer) Prepare(ctx context.Context, params pipeline.AnalysisParameters) (prefix, version string, err error) {
	base := BasePath(params.Country, params.Region, params.City, p.now())

	dirs, err := p.listDirectories(ctx, base)
	if err != nil {
		return "", "", pipeline.Transient("list destination directories", err)
	}

	prefix = WithMicro(base, NextMicro(dirs))

	if err := p.store.Put(ctx, prefix+MarkerSuffix, strings.NewReader(""), 0); err != nil {
		if storage.IsRetryable(err) {
			return "", "", pipeline.Transient("create destination marker", err)
		}
		return "", "", err
	}
	return prefix, VersionOf(prefix), nil
}

// listDirectories returns the directory marker keys under base.
func (p *Preparer) listDirectories(ctx context.Context, base string) ([]string, error) {
	var dirs []string
	var token string
	for {
		res, err := p.store.List(ctx, storage.ListOptions{
			Prefix:            base,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range res.Objects {
			if strings.HasSuffix(obj.Key, MarkerSuffix) {
				dirs = append(dirs, obj.Key)
			}
		}
		if !res.IsTruncated || res.ContinuationToken == "" {
			break
		}
		token = res.ContinuationToken
	}
	return dirs, nil
}
