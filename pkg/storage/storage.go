// Package storage is a blob store that completed dataset runs are mirrored into.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
)

var ErrNoPublicUrl = errors.New("Storage has no public URL")
var ErrNoBackend = errors.New("No storage backend is configured")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser. The object only exists once Close() succeeds.
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// Returns ErrNoPublicUrl if the object can't be reached directly
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// One of the storage options must be configured (i.e. either 'filesystem' or 'gcs')
type Config struct {
	Filesystem *ConfigFS  `json:"filesystem"`
	GCS        *ConfigGCS `json:"gcs"`
}

type ConfigFS struct {
	Root string `json:"root"` // Path to the root of the filesystem
}

type ConfigGCS struct {
	Bucket string `json:"bucket"` // Name of the GCS bucket
	Prefix string `json:"prefix"` // Prepended to every object name (eg "datasets/")
	Public bool   `json:"public"` // Whether the bucket is public, in which case URL() returns a direct link
}

// IsConfigured returns true if a backend has been chosen
func (c *Config) IsConfigured() bool {
	return c.Filesystem != nil || c.GCS != nil
}

// Open the configured storage backend
func Open(ctx context.Context, log logs.Log, c Config) (Storage, error) {
	switch {
	case c.Filesystem != nil && c.GCS != nil:
		return nil, errors.New("Only one of 'filesystem' or 'gcs' storage may be configured")
	case c.Filesystem != nil:
		return NewStorageFS(log, c.Filesystem.Root)
	case c.GCS != nil:
		return NewStorageGCS(ctx, log, c.GCS.Bucket, c.GCS.Prefix, c.GCS.Public)
	}
	return nil, ErrNoBackend
}

// Object names use forward slashes, and may not escape the root
func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("Invalid file name '%v'", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("Invalid file name '%v'", name)
		}
	}
	return nil
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
