// Package storage keeps uploaded document bytes outside the database.
package storage

import (
	"context"
	"errors"
	"io"
)

// Object describes a stored blob.
type Object struct {
	Key  string
	Size int64
}

type Storage interface {
	// Put stores r under a new key scoped to namespace.
	Put(ctx context.Context, namespace, filename string, r io.Reader) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

var (
	ErrInvalidKey     = errors.New("invalid_storage_key")
	ErrObjectNotFound = errors.New("object_not_found")
)
