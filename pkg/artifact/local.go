package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aixcc-finals/capi-scoring/pkg/metrics"
)

// LocalStore is a filesystem-backed Store: one file per key under dir.
type LocalStore struct {
	dir string
}

// NewLocalStore creates (if needed) dir and returns a Store backed by it.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(sha string) string {
	return filepath.Join(s.dir, sha)
}

func (s *LocalStore) Put(_ context.Context, content []byte) (string, error) {
	sha := Sum256Hex(content)
	path := s.path(sha)
	if _, err := os.Stat(path); err == nil {
		return sha, nil // already present, idempotent
	}

	timer := metrics.NewTimer()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", sha, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize artifact %s: %w", sha, err)
	}
	timer.ObserveDurationVec(metrics.ArtifactWriteDuration, "local")
	metrics.ArtifactBytesWritten.WithLabelValues("local").Add(float64(len(content)))
	return sha, nil
}

func (s *LocalStore) Get(_ context.Context, sha string) ([]byte, error) {
	if err := validateKey(sha); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.path(sha))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", sha, err)
	}
	return content, nil
}

func (s *LocalStore) Write(ctx context.Context, r io.Reader) (string, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact stream: %w", err)
	}
	return s.Put(ctx, content)
}

func (s *LocalStore) Read(_ context.Context, sha string, w io.Writer) error {
	if err := validateKey(sha); err != nil {
		return err
	}
	f, err := os.Open(s.path(sha))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", sha, err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// SignedURL is unsupported for the local backing: callers on the same host
// read the file directly.
func (s *LocalStore) SignedURL(_ context.Context, sha string) (string, error) {
	return "", nil
}
