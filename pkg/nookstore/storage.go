package nookstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Storage is the single read/write surface the application uses. It
// delegates to the active adapter; SetAdapter swaps it without moving data.
type Storage struct {
	mutex   sync.RWMutex
	adapter Adapter
	logger  *zap.Logger
}

// NewStorage starts with initial as the active adapter.
func NewStorage(initial Adapter, logger *zap.Logger) *Storage {
	if initial == nil {
		panic("initial adapter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{adapter: initial, logger: logger}
}

// Adapter returns the active adapter.
func (storage *Storage) Adapter() Adapter {
	storage.mutex.RLock()
	defer storage.mutex.RUnlock()
	return storage.adapter
}

// Kind reports the active backend.
func (storage *Storage) Kind() Kind {
	return storage.Adapter().Kind()
}

// SetAdapter makes adapter active.
func (storage *Storage) SetAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	storage.mutex.Lock()
	previous := storage.adapter.Kind()
	storage.adapter = adapter
	storage.mutex.Unlock()
	storage.logger.Info("storage backend switched",
		zap.String("code", "storage.adapter.switched"),
		zap.String("from", string(previous)),
		zap.String("to", string(adapter.Kind())))
}

func (storage *Storage) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return storage.Adapter().Get(ctx, key)
}

func (storage *Storage) Set(ctx context.Context, key string, value json.RawMessage) error {
	return storage.Adapter().Set(ctx, key, value)
}

func (storage *Storage) Remove(ctx context.Context, key string) error {
	return storage.Adapter().Remove(ctx, key)
}

// GetAll reads keys in one call when the backend supports it. Otherwise each
// key is read on its own; failures are joined and the keys that were read
// are still returned. Absent keys are omitted.
func (storage *Storage) GetAll(ctx context.Context, keys []string) (Document, error) {
	adapter := storage.Adapter()
	if batch, ok := adapter.(BatchAdapter); ok {
		return batch.GetAll(ctx, keys)
	}
	result := make(Document, len(keys))
	var failures []error
	for _, key := range keys {
		value, err := adapter.Get(ctx, key)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if !isAbsent(value) {
			result[key] = value
		}
	}
	return result, errors.Join(failures...)
}

// SetAll writes entries in one call when the backend supports it. Otherwise
// keys are written one at a time in sorted order; a failure does not roll
// back keys already written.
func (storage *Storage) SetAll(ctx context.Context, entries Document) error {
	adapter := storage.Adapter()
	if batch, ok := adapter.(BatchAdapter); ok {
		return batch.SetAll(ctx, entries)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	var failures []error
	for _, key := range keys {
		if err := adapter.Set(ctx, key, entries[key]); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(failures...)
}

// GetInto decodes the value under key into target. It reports false when the key is absent.
func (storage *Storage) GetInto(ctx context.Context, key string, target any) (bool, error) {
	value, err := storage.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if isAbsent(value) {
		return false, nil
	}
	if err := json.Unmarshal(value, target); err != nil {
		return false, fmt.Errorf("nookstore.get %s: %w", key, err)
	}
	return true, nil
}

// SetValue encodes value as JSON and stores it under key.
func (storage *Storage) SetValue(ctx context.Context, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("nookstore.set %s: %w", key, err)
	}
	return storage.Set(ctx, key, encoded)
}
