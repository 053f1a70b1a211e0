package nookstore

import (
	"context"
	"fmt"
)

// AppStorageKeys are the keys the application reads and writes.
var AppStorageKeys = []string{
	"focusnook-custom-spaces",
	"focusnook-hidden-default-space-ids",
	"focusnook-current-space",
	"focusnook-enabled-widgets",
	"focusnook-widget-visibility",
	"focusnook-settings",
	"focusnook-todoist",
	"focusnook-music",
	"focusnook-custom-streams",
	"focusnook-todos",
	"focusnook-todoist-order",
	"focusnook-focus-task",
	"focusnook-events",
	"focusnook-notes",
	"focusnook-focus-prep",
	"focusnook-layouts",
	"focusnook-active-layout",
}

// LegacyKeyMigration renames a key written by older releases.
type LegacyKeyMigration struct {
	Legacy  string
	Current string
}

// LegacyKeyMigrations lists the pre-rename keys in migration order.
var LegacyKeyMigrations = []LegacyKeyMigration{
	{Legacy: "chillspace-todos", Current: "focusnook-todos"},
	{Legacy: "chillspace-focus-task", Current: "focusnook-focus-task"},
	{Legacy: "chillspace-todoist-order", Current: "focusnook-todoist-order"},
	{Legacy: "chillspace-planner", Current: "focusnook-events"},
	{Legacy: "chillspace-focus-prep", Current: "focusnook-focus-prep"},
}

// IsAppStorageKey reports whether key is recognized.
func IsAppStorageKey(key string) bool {
	for _, known := range AppStorageKeys {
		if known == key {
			return true
		}
	}
	return false
}

// MigrateLegacyKeys copies each legacy value to its current key on the
// active backend when the current key is absent. Legacy keys are left in place.
// It returns the current keys that were filled.
func MigrateLegacyKeys(ctx context.Context, storage *Storage) ([]string, error) {
	var migrated []string
	for _, migration := range LegacyKeyMigrations {
		current, err := storage.Get(ctx, migration.Current)
		if err != nil {
			return migrated, fmt.Errorf("nookstore.migrate %s: %w", migration.Current, err)
		}
		if !isAbsent(current) {
			continue
		}
		legacy, err := storage.Get(ctx, migration.Legacy)
		if err != nil {
			return migrated, fmt.Errorf("nookstore.migrate %s: %w", migration.Legacy, err)
		}
		if isAbsent(legacy) {
			continue
		}
		if err := storage.Set(ctx, migration.Current, legacy); err != nil {
			return migrated, fmt.Errorf("nookstore.migrate %s: %w", migration.Current, err)
		}
		migrated = append(migrated, migration.Current)
	}
	return migrated, nil
}

func backfillLegacyKeys(document Document) {
	for _, migration := range LegacyKeyMigrations {
		if !isAbsent(document[migration.Current]) {
			continue
		}
		if legacy, ok := document[migration.Legacy]; ok {
			document[migration.Current] = legacy
		}
	}
}
