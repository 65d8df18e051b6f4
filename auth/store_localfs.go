package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one file per token in a directory. Creation uses
// O_EXCL so two masters sharing the directory never hand out one value twice.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(value string) (string, error) {
	if value == "" || strings.ContainsAny(value, `/\`) || value == "." || value == ".." {
		return "", ErrTokenNotFound
	}
	return filepath.Join(s.dir, value), nil
}

// Create implements TokenStore.
func (s *FileStore) Create(_ context.Context, value string, data []byte) error {
	p, err := s.path(value)
	if err != nil {
		return fmt.Errorf("invalid token value: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrTokenExists
		}
		return fmt.Errorf("create token file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("write token file: %w", err)
	}
	return f.Close()
}

// Get implements TokenStore.
func (s *FileStore) Get(_ context.Context, value string) ([]byte, error) {
	p, err := s.path(value)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	return data, nil
}

// Delete implements TokenStore.
func (s *FileStore) Delete(_ context.Context, value string) (bool, error) {
	p, err := s.path(value)
	if err != nil {
		return false, nil
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove token file: %w", err)
	}
	return true, nil
}

// List implements TokenStore.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list token dir: %w", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
