// Package store implements the file stores served by tftpd. A store holds
// flat, named byte blobs; names are validated by the caller.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a named file does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrExists is returned when creating a file that already exists.
	ErrExists = errors.New("file already exists")
)

// Store is the set of operations a file backend provides.
type Store interface {
	Exists(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Create(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Backend names accepted by New.
const (
	BackendDisk = "disk"
	BackendS3   = "s3"
)

// Options selects and configures a backend.
type Options struct {
	Backend string

	// Disk
	Root string

	// S3
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// New creates the store described by opts.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendDisk:
		s, err := NewDiskStore(opts.Root)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendS3:
		s, err := NewS3StoreFromOptions(ctx, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
