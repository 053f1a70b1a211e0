package nookstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// BackupVersion is written into exported backups.
const BackupVersion = 2

// Backup is the on-disk export format.
type Backup struct {
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Data       Document  `json:"data"`
}

// Export snapshots every recognized key from the active backend.
func Export(ctx context.Context, storage *Storage, now time.Time) (Backup, error) {
	data, err := storage.GetAll(ctx, AppStorageKeys)
	if err != nil {
		return Backup{}, fmt.Errorf("nookstore.export: %w", err)
	}
	return Backup{Version: BackupVersion, ExportedAt: now.UTC(), Data: data}, nil
}

// EncodeBackup renders backup pretty-printed.
func EncodeBackup(backup Backup) ([]byte, error) {
	if backup.Data == nil {
		backup.Data = Document{}
	}
	return json.MarshalIndent(backup, "", "  ")
}

// BackupFileName is the suggested name for an export taken at now.
func BackupFileName(now time.Time) string {
	return "focusnook-backup-" + now.UTC().Format("2006-01-02T15-04-05Z") + ".json"
}

// ParseBackup accepts a wrapped backup or a bare key map, back-fills legacy
// keys whose current key is absent, and keeps only recognized keys.
func ParseBackup(raw []byte) (Document, error) {
	var parsed Document
	if err := json.Unmarshal(bytes.TrimSpace(raw), &parsed); err != nil || parsed == nil {
		return nil, ErrInvalidBackupFormat
	}
	imported := parsed
	if wrapped, ok := parsed["data"]; ok {
		var inner Document
		if err := json.Unmarshal(wrapped, &inner); err == nil && inner != nil {
			imported = inner
		}
	}
	backfillLegacyKeys(imported)
	recognized := make(Document, len(AppStorageKeys))
	for _, key := range AppStorageKeys {
		if value, ok := imported[key]; ok {
			recognized[key] = value
		}
	}
	return recognized, nil
}

// Import parses raw and writes every recognized key with one SetAll. A
// malformed file fails with ErrInvalidBackupFormat before anything is written.
func Import(ctx context.Context, storage *Storage, raw []byte) (Document, error) {
	document, err := ParseBackup(raw)
	if err != nil {
		return nil, err
	}
	if err := storage.SetAll(ctx, document); err != nil {
		return nil, fmt.Errorf("nookstore.import: %w", err)
	}
	return document, nil
}
