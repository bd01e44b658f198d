// Package configstore provides versioned access to the deployment
// configuration repository. Every read reports the revision it observed and
// every write is conditional on that revision, so concurrent writers fail
// with a conflict instead of overwriting each other.
package configstore

import (
	"context"
	"errors"
)

// ErrConflict indicates the store moved past the expected revision.
var ErrConflict = errors.New("configstore: revision conflict")

// ErrAuth indicates the store rejected the configured credentials.
var ErrAuth = errors.New("configstore: authentication failed")

// ErrNotFound indicates the requested path does not exist in the store.
var ErrNotFound = errors.New("configstore: path not found")

// Store reads and conditionally writes files in the configuration repository.
type Store interface {
	// Read returns the file content at path together with the store revision
	// the content was observed at.
	Read(ctx context.Context, path string) (content []byte, revision string, err error)

	// Write replaces the file content at path if the store is still at
	// expectedRevision, returning the new revision. ErrConflict is returned
	// when the store has moved. Writing identical content commits nothing and
	// returns the current revision.
	Write(ctx context.Context, path string, content []byte, expectedRevision, message string) (newRevision string, err error)

	// Update runs a bounded read-transform-write loop, re-reading and
	// re-applying transform whenever a concurrent writer wins the race.
	Update(ctx context.Context, path, message string, transform TransformFunc) (revision string, changed bool, err error)
}

// TransformFunc rewrites file content, reporting whether anything changed.
// Returning changed=false commits nothing.
type TransformFunc func(content []byte) (updated []byte, changed bool, err error)
