package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DiskStore keeps files in a single flat directory. Uploads are staged in a
// sibling directory so every entry of root is a stored file.
type DiskStore struct {
	root    string
	staging string
	logger  zerolog.Logger
}

// NewDiskStore opens root, creating it and its staging directory when
// missing.
func NewDiskStore(root string) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root is empty")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", root, err)
	}

	staging := stagingDir(root)
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", staging, err)
	}

	log.Info().Str("root", root).Str("staging", staging).Msg("disk store opened")

	return &DiskStore{
		root:    root,
		staging: staging,
		logger:  log.With().Str("component", "disk_store").Logger(),
	}, nil
}

// stagingDir is next to root so temp files can be hard-linked into it.
func stagingDir(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return filepath.Join(filepath.Dir(abs), "."+filepath.Base(abs)+".staging")
}

// Root returns the store directory.
func (s *DiskStore) Root() string {
	return s.root
}

func (s *DiskStore) path(name string) string {
	return filepath.Join(s.root, filepath.Base(name))
}

// Exists reports whether a regular file called name is present.
func (s *DiskStore) Exists(_ context.Context, name string) (bool, error) {
	info, err := os.Stat(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	return info.Mode().IsRegular(), nil
}

// Read returns the full content of name.
func (s *DiskStore) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Create writes a new file. It fails with ErrExists when name is taken, so
// two uploads racing for the same name cannot both succeed. The content is
// written to a temporary file first and linked into place once complete.
func (s *DiskStore) Create(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(s.staging, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Link(tmpPath, s.path(name)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", name, ErrExists)
		}
		return fmt.Errorf("failed to store %s: %w", name, err)
	}

	s.logger.Debug().Str("file", name).Int("bytes", len(data)).Msg("file stored")
	return nil
}

// Delete removes name.
func (s *DiskStore) Delete(_ context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	s.logger.Debug().Str("file", name).Msg("file deleted")
	return nil
}

// List returns the names of all regular files, sorted.
func (s *DiskStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.root, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}
