// Package memory implements an in-memory storage.Store for tests and local
// dry runs. Listing semantics mirror S3: lexicographic order with
// continuation tokens.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spokeworks/bnaflow/pkg/storage"
)

// Store is an in-memory object store.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object
}

type object struct {
	data     []byte
	modified time.Time
}

var (
	_ storage.Store        = (*Store)(nil)
	_ storage.ObjectGetter = (*Store)(nil)
)

func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Close() error { return nil }

func (s *Store) List(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	start := 0
	if opts.ContinuationToken != "" {
		// Start strictly after the last returned key.
		idx := sort.SearchStrings(keys, opts.ContinuationToken)
		for idx < len(keys) && keys[idx] <= opts.ContinuationToken {
			idx++
		}
		start = idx
	}

	end := start + maxKeys
	if end > len(keys) {
		end = len(keys)
	}

	s.mu.RLock()
	objects := make([]storage.ObjectSummary, 0, end-start)
	for _, k := range keys[start:end] {
		obj := s.objects[k]
		objects = append(objects, storage.ObjectSummary{
			Key:          k,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
		})
	}
	s.mu.RUnlock()

	result := &storage.ListResult{Objects: objects}
	if end < len(keys) {
		result.IsTruncated = true
		result.ContinuationToken = keys[end-1]
	}
	return result, nil
}

func (s *Store) Head(ctx context.Context, key string) (*storage.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &storage.StoreError{Op: "Head", Key: key, Err: storage.ErrNotFound}
	}
	return &storage.ObjectMeta{
		ObjectSummary: storage.ObjectSummary{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
		},
	}, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentLength int64) error {
	_ = contentLength
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return &storage.StoreError{Op: "Put", Key: key, Err: err}
	}

	s.mu.Lock()
	s.objects[key] = object{data: data, modified: time.Now().UTC()}
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, &storage.StoreError{Op: "Get", Key: key, Err: storage.ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Keys returns all stored keys in sorted order. Test helper.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
