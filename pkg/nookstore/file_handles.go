package nookstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dataFileHandleKey = "focusnook-data-file-handle"

// PermissionMode is the access a handle is checked for.
type PermissionMode string

const (
	PermissionRead      PermissionMode = "read"
	PermissionReadWrite PermissionMode = "readwrite"
)

// PermissionState is the platform's answer to a permission query.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// FileHandle is a revocable reference to a user-chosen file.
type FileHandle interface {
	Name() string
	// Ref is the persisted form the picker can Resolve later.
	Ref() string
	QueryPermission(ctx context.Context, mode PermissionMode) (PermissionState, error)
	RequestPermission(ctx context.Context, mode PermissionMode) (PermissionState, error)
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, content []byte) error
}

// FilePicker is the platform file chooser. Pick methods return ErrAborted
// when the user cancels.
type FilePicker interface {
	Supported() bool
	PickNew(ctx context.Context, suggestedName string) (FileHandle, error)
	PickExisting(ctx context.Context) (FileHandle, error)
	Resolve(ctx context.Context, ref string, name string) (FileHandle, error)
}

// StoredHandle is the persisted binding to a linked file.
type StoredHandle struct {
	Ref  string
	Name string
}

type fileHandleModel struct {
	Key         string `gorm:"column:handle_key;primaryKey"`
	Ref         string `gorm:"column:ref;not null"`
	Name        string `gorm:"column:name;not null;default:''"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (fileHandleModel) TableName() string {
	return "file_handles"
}

// HandleStore keeps the linked file's handle across restarts.
type HandleStore struct {
	db *gorm.DB
}

// NewHandleStore uses a database opened with OpenLocalDatabase.
func NewHandleStore(db *gorm.DB) *HandleStore {
	return &HandleStore{db: db}
}

// Load returns nil when no handle is stored.
func (store *HandleStore) Load(ctx context.Context) (*StoredHandle, error) {
	var model fileHandleModel
	err := store.db.WithContext(ctx).Where("handle_key = ?", dataFileHandleKey).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nookstore.handles.load: %w", err)
	}
	return &StoredHandle{Ref: model.Ref, Name: model.Name}, nil
}

func (store *HandleStore) Save(ctx context.Context, handle StoredHandle) error {
	model := fileHandleModel{Key: dataFileHandleKey, Ref: handle.Ref, Name: handle.Name, UpdatedUnix: time.Now().Unix()}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "handle_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"ref", "name", "updated_unix"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("nookstore.handles.save: %w", err)
	}
	return nil
}

func (store *HandleStore) Clear(ctx context.Context) error {
	if err := store.db.WithContext(ctx).Where("handle_key = ?", dataFileHandleKey).Delete(&fileHandleModel{}).Error; err != nil {
		return fmt.Errorf("nookstore.handles.clear: %w", err)
	}
	return nil
}

// OSFilePicker binds files on the local filesystem. A command-line host has
// no interactive chooser, so the path is supplied up front; an empty Path
// behaves like a cancelled picker.
type OSFilePicker struct {
	Path string
}

func (picker OSFilePicker) Supported() bool {
	return true
}

// PickNew creates the file when missing and keeps existing content otherwise.
func (picker OSFilePicker) PickNew(ctx context.Context, suggestedName string) (FileHandle, error) {
	path := picker.Path
	if path == "" {
		return nil, ErrAborted
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, suggestedName)
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("nookstore.file.create: %w", err)
	}
	_ = file.Close()
	return newOSFileHandle(path)
}

func (picker OSFilePicker) PickExisting(ctx context.Context) (FileHandle, error) {
	if picker.Path == "" {
		return nil, ErrAborted
	}
	if _, err := os.Stat(picker.Path); err != nil {
		return nil, fmt.Errorf("nookstore.file.open: %w", err)
	}
	return newOSFileHandle(picker.Path)
}

func (picker OSFilePicker) Resolve(ctx context.Context, ref string, name string) (FileHandle, error) {
	return newOSFileHandle(ref)
}

type osFileHandle struct {
	path string
}

func newOSFileHandle(path string) (*osFileHandle, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("nookstore.file.path: %w", err)
	}
	return &osFileHandle{path: absolute}, nil
}

func (handle *osFileHandle) Name() string {
	return filepath.Base(handle.path)
}

func (handle *osFileHandle) Ref() string {
	return handle.path
}

// QueryPermission probes the file with the requested open mode. The OS
// never prompts, so a missing or unreadable file reads as denied.
func (handle *osFileHandle) QueryPermission(ctx context.Context, mode PermissionMode) (PermissionState, error) {
	flags := os.O_RDONLY
	if mode == PermissionReadWrite {
		flags = os.O_RDWR
	}
	file, err := os.OpenFile(handle.path, flags, 0)
	if err != nil {
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return PermissionDenied, nil
		}
		return PermissionDenied, err
	}
	_ = file.Close()
	return PermissionGranted, nil
}

func (handle *osFileHandle) RequestPermission(ctx context.Context, mode PermissionMode) (PermissionState, error) {
	return handle.QueryPermission(ctx, mode)
}

func (handle *osFileHandle) Read(ctx context.Context) ([]byte, error) {
	return os.ReadFile(handle.path)
}

// Write replaces the file through a temp file and rename. Readers never see
// a partially written document.
func (handle *osFileHandle) Write(ctx context.Context, content []byte) error {
	directory := filepath.Dir(handle.path)
	temp, err := os.CreateTemp(directory, "."+filepath.Base(handle.path)+".*")
	if err != nil {
		return err
	}
	tempPath := temp.Name()
	defer func() { _ = os.Remove(tempPath) }()
	if _, err := temp.Write(content); err != nil {
		_ = temp.Close()
		return err
	}
	if err := temp.Sync(); err != nil {
		_ = temp.Close()
		return err
	}
	if err := temp.Close(); err != nil {
		return err
	}
	if info, statErr := os.Stat(handle.path); statErr == nil {
		_ = os.Chmod(tempPath, info.Mode().Perm())
	}
	return os.Rename(tempPath, handle.path)
}
