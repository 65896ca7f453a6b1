// Package artifact stores finished export archives until they expire.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no artifact exists under a name.
var ErrNotFound = errors.New("artifact not found")

// Object is an opened artifact. The caller closes Body.
type Object struct {
	Body io.ReadCloser
	Size int64
}

// Store keeps delivery archives by name.
type Store interface {
	// Save takes ownership of the file at path and stores it as name.
	Save(ctx context.Context, name, path string) error
	Open(ctx context.Context, name string) (*Object, error)
	// Delete removes name. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, name string) error
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

// LocalStore keeps artifacts as files in one directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

// Path returns where name lives on disk.
func (s *LocalStore) Path(name string) string {
	return filepath.Join(s.root, name)
}

// Save implements Store. A file already at its final location is left alone.
func (s *LocalStore) Save(_ context.Context, name, path string) error {
	if err := validName(name); err != nil {
		return err
	}
	dst := s.Path(name)
	if filepath.Clean(path) == dst {
		return nil
	}
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	return nil
}

// Open implements Store.
func (s *LocalStore) Open(_ context.Context, name string) (*Object, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	return &Object{Body: f, Size: info.Size()}, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
