package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("user_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("user_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("user_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("user_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("user_store.unsupported_no_scheme")
)

// DatabaseUserStore persists user records using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseUserStore) Driver() string {
	return store.driverLabel
}

type userRecordModel struct {
	UserID       string `gorm:"column:user_id;primaryKey"`
	Email        string `gorm:"column:email;not null;default:''"`
	DisplayName  string `gorm:"column:display_name;not null;default:''"`
	AvatarURL    string `gorm:"column:avatar_url;not null;default:''"`
	RefreshToken string `gorm:"column:refresh_token;not null;default:''"`
	RemoteFileID string `gorm:"column:remote_file_id;not null;default:''"`
	CreatedUnix  int64  `gorm:"column:created_unix;not null"`
	UpdatedUnix  int64  `gorm:"column:updated_unix;not null"`
}

func (userRecordModel) TableName() string {
	return "users"
}

func (model userRecordModel) toRecord() *UserRecord {
	return &UserRecord{
		UserID:       model.UserID,
		Email:        model.Email,
		DisplayName:  model.DisplayName,
		AvatarURL:    model.AvatarURL,
		RefreshToken: model.RefreshToken,
		RemoteFileID: model.RemoteFileID,
		CreatedAt:    time.Unix(model.CreatedUnix, 0).UTC(),
		UpdatedAt:    time.Unix(model.UpdatedUnix, 0).UTC(),
	}
}

func modelFromRecord(record UserRecord) userRecordModel {
	return userRecordModel{
		UserID:       record.UserID,
		Email:        record.Email,
		DisplayName:  record.DisplayName,
		AvatarURL:    record.AvatarURL,
		RefreshToken: record.RefreshToken,
		RemoteFileID: record.RemoteFileID,
		CreatedUnix:  record.CreatedAt.Unix(),
		UpdatedUnix:  record.UpdatedAt.Unix(),
	}
}

// NewDatabaseUserStore opens databaseURL (postgres:// or sqlite://) and migrates the users table.
func NewDatabaseUserStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseUserStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("user_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("user_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecordModel{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseUserStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// GetUser loads a record by user id.
func (store *DatabaseUserStore) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	var model userRecordModel
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return nil, fmt.Errorf("user_store.get.%s: %w", store.driverLabel, err)
	}
	return model.toRecord(), nil
}

// SaveLogin upserts the record inside a transaction.
func (store *DatabaseUserStore) SaveLogin(ctx context.Context, profile UserProfile, refreshToken string) (*UserRecord, error) {
	var saved UserRecord
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing *UserRecord
		var model userRecordModel
		findErr := tx.Where("user_id = ?", profile.Subject).Take(&model).Error
		switch {
		case findErr == nil:
			existing = model.toRecord()
		case !errors.Is(findErr, gorm.ErrRecordNotFound):
			return findErr
		}
		saved = mergeLogin(existing, profile, refreshToken, store.clock.Now())
		return tx.Save(ptr(modelFromRecord(saved))).Error
	})
	if txErr != nil {
		return nil, fmt.Errorf("user_store.save_login.%s: %w", store.driverLabel, txErr)
	}
	return &saved, nil
}

// SetRefreshToken replaces the stored refresh token.
func (store *DatabaseUserStore) SetRefreshToken(ctx context.Context, userID string, refreshToken string) error {
	return store.updateColumn(ctx, userID, "refresh_token", refreshToken)
}

// SetRemoteFileID records the remote file id.
func (store *DatabaseUserStore) SetRemoteFileID(ctx context.Context, userID string, fileID string) error {
	return store.updateColumn(ctx, userID, "remote_file_id", fileID)
}

func (store *DatabaseUserStore) updateColumn(ctx context.Context, userID string, column string, value string) error {
	result := store.db.WithContext(ctx).Model(&userRecordModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{column: value, "updated_unix": store.clock.Now().Unix()})
	if result.Error != nil {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

func ptr[T any](value T) *T {
	return &value
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("user_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("user_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("user_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("user_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
