// Package blob stores snapshot images in a gocloud bucket and hands out URIs for them.
// A plain directory is opened with fileblob, which writes through a temp file and
// renames it into place, so readers never see a partial image. Any registered bucket
// URL (file://, mem://) can be used instead.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	gcblob "gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when a URI does not reference a stored blob.
var ErrNotFound = errors.New("blob not found")

// Store is what the snapshot generator and API need from blob storage.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
	Delete(ctx context.Context, uri string) error
}

// BucketStore keeps blobs at the top level of one bucket.
type BucketStore struct {
	bucket *gcblob.Bucket
	prefix string // URI prefix every stored key is appended to
	scheme string
}

// NewFileStore opens a bucket rooted at dir, creating the directory if needed.
func NewFileStore(dir string) (*BucketStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve dir %s: %w", dir, err)
	}
	bucket, err := fileblob.OpenBucket(abs, &fileblob.Options{
		CreateDir: true,
		NoTempDir: true,
		Metadata:  fileblob.MetadataDontWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: open dir %s: %w", abs, err)
	}
	base := (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
	return newBucketStore(bucket, base, "file"), nil
}

// OpenURL opens a bucket by URL, e.g. "mem://" or "file:///var/lib/canvas/snapshots".
func OpenURL(ctx context.Context, bucketURL string) (*BucketStore, error) {
	u, err := url.Parse(bucketURL)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("blob: invalid bucket url %q", bucketURL)
	}
	if u.Scheme == "file" {
		return NewFileStore(filepath.FromSlash(u.Path))
	}
	bucket, err := gcblob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", bucketURL, err)
	}
	base := u.Scheme + "://" + u.Host + u.Path
	return newBucketStore(bucket, base, u.Scheme), nil
}

func newBucketStore(bucket *gcblob.Bucket, base, scheme string) *BucketStore {
	prefix := base
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BucketStore{bucket: bucket, prefix: prefix, scheme: scheme}
}

// Close releases the bucket.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

// Put writes data under name and returns its URI.
// An existing blob with the same name is replaced.
func (s *BucketStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.bucket.WriteAll(ctx, name, data, &gcblob.WriterOptions{ContentType: "image/png"}); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", name, err)
	}
	return s.prefix + name, nil
}

// Open returns a reader for the blob at uri. The caller closes it.
func (s *BucketStore) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := s.keyFor(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", uri, err)
	}
	return r, nil
}

// Delete removes the blob at uri. Deleting a missing blob is not an error.
func (s *BucketStore) Delete(ctx context.Context, uri string) error {
	key, err := s.keyFor(uri)
	if err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("blob: delete %s: %w", uri, err)
	}
	return nil
}

// keyFor maps a URI back to a key, refusing anything outside this bucket.
func (s *BucketStore) keyFor(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != s.scheme {
		return "", fmt.Errorf("blob: unsupported uri %q", uri)
	}
	key, ok := strings.CutPrefix(uri, s.prefix)
	if !ok || validateName(key) != nil {
		return "", fmt.Errorf("blob: uri %q is outside %s", uri, s.prefix)
	}
	return key, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("blob: invalid name %q", name)
	}
	return nil
}
