package nookstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// StorageTypeKey holds the persisted backend preference in the local store.
const StorageTypeKey = "focusnook-storage-type"

var errEmptyLocalPath = errors.New("nookstore.local.empty_path")

type localEntryModel struct {
	Key         string `gorm:"column:entry_key;primaryKey"`
	Value       string `gorm:"column:value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (localEntryModel) TableName() string {
	return "local_entries"
}

// OpenLocalDatabase opens the embedded SQLite database that backs the
// browser-local store and the stored file handle.
func OpenLocalDatabase(ctx context.Context, path string) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("nookstore.local.open: %w", errEmptyLocalPath)
	}
	gormDB, err := gorm.Open(sqliteDialector.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("nookstore.local.open: %w", err)
	}
	if err := gormDB.WithContext(ctx).AutoMigrate(&localEntryModel{}, &fileHandleModel{}); err != nil {
		return nil, fmt.Errorf("nookstore.local.migrate: %w", err)
	}
	return gormDB, nil
}

// LocalStore is the always-available fallback backend. Each key is stored
// on its own row as JSON text.
type LocalStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLocalStore uses a database opened with OpenLocalDatabase.
func NewLocalStore(db *gorm.DB) *LocalStore {
	return &LocalStore{db: db, now: time.Now}
}

func (store *LocalStore) Kind() Kind {
	return KindLocal
}

// Get returns the stored JSON. Text that is not valid JSON, left by older
// raw string writes, is returned as a JSON string.
func (store *LocalStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	text, found, err := store.read(ctx, key)
	if err != nil || !found {
		return nil, err
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("nookstore.local.get: %w", err)
	}
	return encoded, nil
}

func (store *LocalStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if isAbsent(value) {
		value = json.RawMessage("null")
	}
	return store.write(ctx, key, string(value))
}

func (store *LocalStore) Remove(ctx context.Context, key string) error {
	if err := store.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&localEntryModel{}).Error; err != nil {
		return fmt.Errorf("nookstore.local.remove: %w", err)
	}
	return nil
}

// StoragePreference returns the backend chosen in an earlier session.
func (store *LocalStore) StoragePreference(ctx context.Context) (Kind, error) {
	text, _, err := store.read(ctx, StorageTypeKey)
	if err != nil {
		return "", err
	}
	return ParseKind(strings.Trim(text, `"`))
}

// SetStoragePreference records kind. Local is the default and clears the entry.
func (store *LocalStore) SetStoragePreference(ctx context.Context, kind Kind) error {
	if kind == KindLocal {
		return store.Remove(ctx, StorageTypeKey)
	}
	return store.write(ctx, StorageTypeKey, string(kind))
}

func (store *LocalStore) read(ctx context.Context, key string) (string, bool, error) {
	var model localEntryModel
	err := store.db.WithContext(ctx).Where("entry_key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("nookstore.local.get: %w", err)
	}
	return model.Value, true, nil
}

func (store *LocalStore) write(ctx context.Context, key string, text string) error {
	model := localEntryModel{Key: key, Value: text, UpdatedUnix: store.now().Unix()}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_unix"}),
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("nookstore.local.set: %w", err)
	}
	return nil
}
