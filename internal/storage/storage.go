// Package storage defines the object store used for audit archives: the daily
// CSV exports written by the archive job and listed by the API.
//
// Backends register themselves with the factory from an init() function in
// their own package and are selected by storage.default_backend:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server blank-imports every backend so that registration happens.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// Storage is an archive object store. Keys are slash-separated and never
// start with a slash.
type Storage interface {
	// Put stores the object under key, replacing any existing one, and returns
	// its size and SHA256 checksum.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (*Object, error)

	// Get opens the object for reading. It returns ErrNotFound when absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the objects whose keys start with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Ping checks that the backend is reachable and the bucket or directory exists.
	Ping(ctx context.Context) error
}

// PutOptions carries per-object attributes.
type PutOptions struct {
	ContentType string
}

// Object describes a stored archive object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// CleanKey normalizes key to the slash-separated, relative form every backend
// stores. It rejects keys that escape the archive root.
func CleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty object key")
	}
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.New("invalid object key: " + key)
	}
	return cleaned, nil
}
