// Package nookstore is the client side of focusnook storage: a façade over
// interchangeable backends (browser-local, a linked local file, the remote
// document behind the server), plus backend switching, backup files, and
// legacy key migration.
package nookstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Kind tags the active backend.
type Kind string

const (
	KindLocal     Kind = "local"
	KindLocalFile Kind = "localfile"
	KindRemote    Kind = "gdrive"
)

var errUnknownKind = errors.New("nookstore.unknown_kind")

// ParseKind maps a persisted preference back to a Kind. Empty means local.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case "", KindLocal:
		return KindLocal, nil
	case KindLocalFile:
		return KindLocalFile, nil
	case KindRemote:
		return KindRemote, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownKind, value)
	}
}

// Document maps storage keys to raw JSON values.
type Document = map[string]json.RawMessage

// Adapter is the per-key surface every backend offers. Get returns a nil
// value for absent keys.
type Adapter interface {
	Kind() Kind
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
}

// BatchAdapter is implemented by backends with a native multi-key path.
type BatchAdapter interface {
	Adapter
	GetAll(ctx context.Context, keys []string) (Document, error)
	SetAll(ctx context.Context, entries Document) error
}

// DocumentAdapter is a backend that holds the whole document in memory.
// ReplaceAll swaps the document and persists it before returning, cancelling
// any pending debounced save.
type DocumentAdapter interface {
	BatchAdapter
	Snapshot(ctx context.Context) (Document, error)
	ReplaceAll(ctx context.Context, document Document) error
	Flush(ctx context.Context) error
}

func isAbsent(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func cloneDocument(document Document) Document {
	if document == nil {
		return Document{}
	}
	return maps.Clone(document)
}

func pickKeys(document Document, keys []string) Document {
	picked := make(Document, len(keys))
	for _, key := range keys {
		if value, ok := document[key]; ok && !isAbsent(value) {
			picked[key] = value
		}
	}
	return picked
}
