// Package storage defines the object store surface the orchestrator needs:
// enough to prepare per-job destinations, verify artifacts, and tear down
// supporting objects. Authentication uses SDK default credential chains -
// implementations should not invent custom auth logic.
package storage

import (
	"context"
	"io"
	"time"
)

// Store abstracts the destination object store.
//
// Implementations must be safe for concurrent use; the orchestrator invokes
// handlers for many jobs at once.
type Store interface {
	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Put uploads an object.
	Put(ctx context.Context, key string, body io.Reader, contentLength int64) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the store default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
type ObjectMeta struct {
	ObjectSummary

	ContentType string
	Metadata    map[string]string
}

// ObjectGetter is implemented by stores that can stream object contents.
// The result collector needs it to read the overall scores file.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
