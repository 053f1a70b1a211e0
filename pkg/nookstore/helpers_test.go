package nookstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenLocalDatabase(context.Background(), filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func raw(value string) json.RawMessage {
	return json.RawMessage(value)
}

type memoryHandle struct {
	mutex      sync.Mutex
	name       string
	ref        string
	content    []byte
	permission PermissionState
	// grantOnRequest flips permission to granted on RequestPermission.
	grantOnRequest bool
	writes         int
	requests       int
}

func (handle *memoryHandle) Name() string { return handle.name }
func (handle *memoryHandle) Ref() string  { return handle.ref }

func (handle *memoryHandle) QueryPermission(ctx context.Context, mode PermissionMode) (PermissionState, error) {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	return handle.permission, nil
}

func (handle *memoryHandle) RequestPermission(ctx context.Context, mode PermissionMode) (PermissionState, error) {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	handle.requests++
	if handle.grantOnRequest {
		handle.permission = PermissionGranted
	}
	return handle.permission, nil
}

func (handle *memoryHandle) Read(ctx context.Context) ([]byte, error) {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	return append([]byte(nil), handle.content...), nil
}

func (handle *memoryHandle) Write(ctx context.Context, content []byte) error {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	handle.writes++
	handle.content = append([]byte(nil), content...)
	return nil
}

func (handle *memoryHandle) setPermission(state PermissionState) {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	handle.permission = state
}

func (handle *memoryHandle) document(t *testing.T) Document {
	t.Helper()
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	var document Document
	require.NoError(t, json.Unmarshal(handle.content, &document))
	return document
}

func (handle *memoryHandle) writeCount() int {
	handle.mutex.Lock()
	defer handle.mutex.Unlock()
	return handle.writes
}

type memoryPicker struct {
	supported bool
	next      *memoryHandle
	aborted   bool
	byRef     map[string]*memoryHandle
}

func newMemoryPicker(handle *memoryHandle) *memoryPicker {
	return &memoryPicker{supported: true, next: handle, byRef: map[string]*memoryHandle{handle.ref: handle}}
}

func (picker *memoryPicker) Supported() bool { return picker.supported }

func (picker *memoryPicker) PickNew(ctx context.Context, suggestedName string) (FileHandle, error) {
	return picker.pick()
}

func (picker *memoryPicker) PickExisting(ctx context.Context) (FileHandle, error) {
	return picker.pick()
}

func (picker *memoryPicker) pick() (FileHandle, error) {
	if picker.aborted {
		return nil, ErrAborted
	}
	return picker.next, nil
}

func (picker *memoryPicker) Resolve(ctx context.Context, ref string, name string) (FileHandle, error) {
	handle, ok := picker.byRef[ref]
	if !ok {
		return nil, ErrNotLinked
	}
	return handle, nil
}
