package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FSStore writes artifacts under a local directory. It cannot issue direct
// links, so downloads are always served through the API.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	ref, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	target := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return ref, nil
}

func (s *FSStore) Get(_ context.Context, ref string) ([]byte, error) {
	key, err := cleanKey(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return data, err
}

// Delete is idempotent: a missing object is not an error.
func (s *FSStore) Delete(_ context.Context, ref string) error {
	key, err := cleanKey(ref)
	if err != nil {
		return err
	}
	err = os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSStore) RetrievalURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}
