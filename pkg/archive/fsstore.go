package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore is a filesystem bundle store, the default when no remote store is
// configured.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create bundle directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, "/\\") {
		return "", fmt.Errorf("archive: invalid bundle ref %q", ref)
	}
	return filepath.Join(s.dir, ref+".bundle"), nil
}

// Put writes the bundle atomically via a temp file rename.
func (s *FSStore) Put(ctx context.Context, ref string, data []byte) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("archive: publish bundle: %w", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read bundle %s: %w", ref, err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, ref string) error {
	path, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: delete bundle %s: %w", ref, err)
	}
	return nil
}
