package nookstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultDataFileName is suggested when creating a new linked file.
const DefaultDataFileName = "focusnook-data.json"

// DefaultFileSaveDelay is the idle window before a debounced file save.
const DefaultFileSaveDelay = time.Second

// ConnectMode selects which picker Connect opens.
type ConnectMode string

const (
	ConnectCreateOrSelect ConnectMode = "create-or-select"
	ConnectSelectExisting ConnectMode = "select-existing"
)

// Reasons a RestoreSession did not bind the file.
const (
	RestoreNoStoredHandle     = "no_stored_handle"
	RestorePermissionRequired = "permission_required"
	RestoreUnsupported        = "unsupported"
	RestoreError              = "error"
)

var errPermissionRevoked = fmt.Errorf("%w: write permission to local file was revoked, please relink the file", ErrPermissionDenied)

// ConnectResult describes a freshly bound file.
type ConnectResult struct {
	FileName string
	Data     Document
	IsEmpty  bool
}

// RestoreResult is the outcome of rebinding the stored handle at startup.
type RestoreResult struct {
	Success  bool
	Reason   string
	FileName string
	Data     Document
	IsEmpty  bool
	Err      error
}

// FileStatus summarizes the local file binding.
type FileStatus struct {
	Supported       bool
	Connected       bool
	HasStoredHandle bool
	FileName        string
}

// LocalFileConfig wires a LocalFileStore.
type LocalFileConfig struct {
	Picker  FilePicker
	Handles *HandleStore
	Logger  *zap.Logger
	// SaveDelay defaults to DefaultFileSaveDelay.
	SaveDelay time.Duration
	// OnSaveError receives failures of debounced saves.
	OnSaveError func(error)
}

// LocalFileStore keeps the whole document in memory and writes it to a file
// the user linked. Set debounces writes; SetAll, Remove and ReplaceAll write
// before returning.
type LocalFileStore struct {
	picker      FilePicker
	handles     *HandleStore
	logger      *zap.Logger
	onSaveError func(error)
	debouncer   *Debouncer

	mutex    sync.Mutex
	handle   FileHandle
	fileName string
	cache    Document
	loaded   bool
}

// NewLocalFileStore builds an unbound store.
func NewLocalFileStore(configuration LocalFileConfig) *LocalFileStore {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := configuration.SaveDelay
	if delay <= 0 {
		delay = DefaultFileSaveDelay
	}
	store := &LocalFileStore{
		picker:      configuration.Picker,
		handles:     configuration.Handles,
		logger:      logger,
		onSaveError: configuration.OnSaveError,
		cache:       Document{},
	}
	store.debouncer = NewDebouncer(delay, store.flushDebounced)
	return store
}

func (store *LocalFileStore) Kind() Kind {
	return KindLocalFile
}

// Supported reports whether the platform can pick files.
func (store *LocalFileStore) Supported() bool {
	return store.picker != nil && store.picker.Supported()
}

func (store *LocalFileStore) Status(ctx context.Context) (FileStatus, error) {
	status := FileStatus{Supported: store.Supported()}
	store.mutex.Lock()
	status.Connected = store.handle != nil
	status.FileName = store.fileName
	store.mutex.Unlock()
	if status.Supported && store.handles != nil {
		stored, err := store.handles.Load(ctx)
		if err != nil {
			return status, err
		}
		status.HasStoredHandle = stored != nil
	}
	return status, nil
}

// Connect lets the user pick a file, obtains read/write permission, persists
// the handle, and loads the file.
func (store *LocalFileStore) Connect(ctx context.Context, mode ConnectMode) (ConnectResult, error) {
	if !store.Supported() {
		return ConnectResult{}, ErrUnsupported
	}
	var (
		handle FileHandle
		err    error
	)
	if mode == ConnectSelectExisting {
		handle, err = store.picker.PickExisting(ctx)
	} else {
		handle, err = store.picker.PickNew(ctx, DefaultDataFileName)
	}
	if err != nil {
		return ConnectResult{}, err
	}
	permission, err := handle.RequestPermission(ctx, PermissionReadWrite)
	if err != nil || permission != PermissionGranted {
		return ConnectResult{}, fmt.Errorf("%w: permission denied for local file access", ErrPermissionDenied)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.debouncer.Cancel()
	store.bindLocked(handle)
	if store.handles != nil {
		if err := store.handles.Save(ctx, StoredHandle{Ref: handle.Ref(), Name: store.fileName}); err != nil {
			return ConnectResult{}, err
		}
	}
	if err := store.loadLocked(ctx); err != nil {
		return ConnectResult{}, err
	}
	store.logger.Info("local file linked",
		zap.String("code", "localfile.connected"),
		zap.String("file_name", store.fileName))
	return ConnectResult{FileName: store.fileName, Data: cloneDocument(store.cache), IsEmpty: len(store.cache) == 0}, nil
}

// Relink binds an existing file in place of the current one.
func (store *LocalFileStore) Relink(ctx context.Context) (ConnectResult, error) {
	return store.Connect(ctx, ConnectSelectExisting)
}

// RestoreSession rebinds the stored handle without prompting. Revoked
// permission yields RestorePermissionRequired so the caller can ask the user.
func (store *LocalFileStore) RestoreSession(ctx context.Context) RestoreResult {
	if !store.Supported() || store.handles == nil {
		return RestoreResult{Reason: RestoreUnsupported}
	}
	stored, err := store.handles.Load(ctx)
	if err != nil {
		return RestoreResult{Reason: RestoreError, Err: err}
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if stored == nil {
		store.unbindLocked()
		return RestoreResult{Reason: RestoreNoStoredHandle}
	}
	handle, err := store.picker.Resolve(ctx, stored.Ref, stored.Name)
	if err != nil {
		store.unbindLocked()
		return RestoreResult{Reason: RestoreError, Err: err}
	}
	store.bindLocked(handle)
	if stored.Name != "" {
		store.fileName = stored.Name
	}

	permission, err := handle.QueryPermission(ctx, PermissionRead)
	if err != nil {
		store.unbindLocked()
		return RestoreResult{Reason: RestoreError, Err: err}
	}
	if permission != PermissionGranted {
		return RestoreResult{Reason: RestorePermissionRequired, FileName: store.fileName}
	}
	if err := store.loadLocked(ctx); err != nil {
		store.logger.Error("failed to load local file session",
			zap.String("code", "localfile.restore.failed"),
			zap.Error(err))
		store.unbindLocked()
		return RestoreResult{Reason: RestoreError, Err: err}
	}
	return RestoreResult{
		Success:  true,
		FileName: store.fileName,
		Data:     cloneDocument(store.cache),
		IsEmpty:  len(store.cache) == 0,
	}
}

// VerifyPermission re-requests read/write access from a user gesture and
// loads the file when granted.
func (store *LocalFileStore) VerifyPermission(ctx context.Context) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return false, nil
	}
	permission, err := store.handle.RequestPermission(ctx, PermissionReadWrite)
	if err != nil || permission != PermissionGranted {
		return false, nil
	}
	if err := store.loadLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Disconnect drops the binding and the stored handle. Pending saves are discarded.
func (store *LocalFileStore) Disconnect(ctx context.Context) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	store.unbindLocked()
	store.mutex.Unlock()
	if store.handles == nil {
		return nil
	}
	return store.handles.Clear(ctx)
}

// Load rereads the linked file into memory.
func (store *LocalFileStore) Load(ctx context.Context) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return nil, ErrNotLinked
	}
	if err := store.loadLocked(ctx); err != nil {
		return nil, err
	}
	return cloneDocument(store.cache), nil
}

// Flush writes the in-memory document now. A pending debounced save is
// folded into this write.
func (store *LocalFileStore) Flush(ctx context.Context) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.saveLocked(ctx)
}

func (store *LocalFileStore) ReplaceAll(ctx context.Context, document Document) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return ErrNotLinked
	}
	store.cache = cloneDocument(document)
	store.loaded = true
	return store.saveLocked(ctx)
}

func (store *LocalFileStore) Snapshot(ctx context.Context) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return cloneDocument(store.cache), nil
}

func (store *LocalFileStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return nil, nil
	}
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	value := store.cache[key]
	if isAbsent(value) {
		return nil, nil
	}
	return value, nil
}

func (store *LocalFileStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return ErrNotLinked
	}
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	store.cache[key] = value
	store.debouncer.Schedule()
	return nil
}

func (store *LocalFileStore) Remove(ctx context.Context, key string) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return ErrNotLinked
	}
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	delete(store.cache, key)
	return store.saveLocked(ctx)
}

func (store *LocalFileStore) GetAll(ctx context.Context, keys []string) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return Document{}, nil
	}
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return pickKeys(store.cache, keys), nil
}

func (store *LocalFileStore) SetAll(ctx context.Context, entries Document) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.handle == nil {
		return ErrNotLinked
	}
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	for key, value := range entries {
		store.cache[key] = value
	}
	return store.saveLocked(ctx)
}

func (store *LocalFileStore) flushDebounced() {
	store.mutex.Lock()
	err := store.saveLocked(context.Background())
	store.mutex.Unlock()
	if err == nil {
		return
	}
	store.logger.Error("failed to save local file data",
		zap.String("code", "localfile.save.failed"),
		zap.Error(err))
	if store.onSaveError != nil {
		store.onSaveError(err)
	}
}

func (store *LocalFileStore) bindLocked(handle FileHandle) {
	store.handle = handle
	store.fileName = handle.Name()
	if store.fileName == "" {
		store.fileName = DefaultDataFileName
	}
	store.cache = Document{}
	store.loaded = false
}

func (store *LocalFileStore) unbindLocked() {
	store.handle = nil
	store.fileName = ""
	store.cache = Document{}
	store.loaded = false
}

func (store *LocalFileStore) ensureLoadedLocked(ctx context.Context) error {
	if store.loaded {
		return nil
	}
	return store.loadLocked(ctx)
}

func (store *LocalFileStore) loadLocked(ctx context.Context) error {
	content, err := store.handle.Read(ctx)
	if err != nil {
		return fmt.Errorf("nookstore.file.read: %w", err)
	}
	document, err := decodeFileDocument(content)
	if err != nil {
		return err
	}
	store.cache = document
	store.loaded = true
	return nil
}

// saveLocked rechecks write permission, asking once more when it was
// downgraded, then rewrites the whole file pretty-printed.
func (store *LocalFileStore) saveLocked(ctx context.Context) error {
	if store.handle == nil || !store.loaded {
		return nil
	}
	permission, err := store.handle.QueryPermission(ctx, PermissionReadWrite)
	if err != nil || permission != PermissionGranted {
		permission, err = store.handle.RequestPermission(ctx, PermissionReadWrite)
	}
	if err != nil || permission != PermissionGranted {
		return errPermissionRevoked
	}
	content, err := json.MarshalIndent(store.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("nookstore.file.encode: %w", err)
	}
	if err := store.handle.Write(ctx, content); err != nil {
		return fmt.Errorf("nookstore.file.write: %w", err)
	}
	return nil
}

func decodeFileDocument(content []byte) (Document, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return Document{}, nil
	}
	var document Document
	if err := json.Unmarshal(trimmed, &document); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: selected file does not hold a JSON object", ErrInvalidFileContent)
		}
		return nil, fmt.Errorf("%w: selected file is not valid JSON", ErrInvalidFileContent)
	}
	if document == nil {
		document = Document{}
	}
	for key, value := range document {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, value); err == nil {
			document[key] = compacted.Bytes()
		}
	}
	return document, nil
}
