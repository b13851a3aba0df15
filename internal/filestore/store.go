// Package filestore persists uploaded source files and export artifacts.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backing store.
var ErrNotFound = errors.New("object not found")

// Store is the file/object store the pipelines read sources from and write
// artifacts to.
type Store interface {
	// Put writes body under key and returns the reference to read it back.
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// Read loads an object fully into memory.
func Read(ctx context.Context, st Store, ref string) ([]byte, error) {
	rc, err := st.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// WriteArtifact stores a finished artifact and reports its reference and size.
func WriteArtifact(ctx context.Context, st Store, key string, data []byte, contentType string) (string, int64, error) {
	ref, err := st.Put(ctx, key, bytes.NewReader(data), contentType)
	if err != nil {
		return "", 0, err
	}
	return ref, int64(len(data)), nil
}

// ReadArtifact returns the bytes of a stored artifact.
func ReadArtifact(ctx context.Context, st Store, ref string) ([]byte, error) {
	return Read(ctx, st, ref)
}
