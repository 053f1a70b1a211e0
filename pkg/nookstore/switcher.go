package nookstore

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Strategy resolves a conflict between the current data and a backend that
// already holds a document.
type Strategy string

const (
	// StrategyUseRemote adopts the backend's document as-is.
	StrategyUseRemote Strategy = "use_remote"
	// StrategyUseFile is StrategyUseRemote for a linked file.
	StrategyUseFile Strategy = "use_file"
	// StrategyMerge merges per key with the backend winning on overlap.
	StrategyMerge Strategy = "merge"
	// StrategyKeepCurrent overwrites the backend with the current data.
	StrategyKeepCurrent Strategy = "keep_current"
)

// ResolveDocuments applies strategy. The inputs are not modified.
func ResolveDocuments(strategy Strategy, current Document, existing Document) (Document, error) {
	switch strategy {
	case StrategyUseRemote, StrategyUseFile:
		return cloneDocument(existing), nil
	case StrategyMerge:
		merged := cloneDocument(current)
		for key, value := range existing {
			merged[key] = value
		}
		return merged, nil
	case StrategyKeepCurrent:
		return cloneDocument(current), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// PreferenceStore persists which backend to restore at startup.
type PreferenceStore interface {
	StoragePreference(ctx context.Context) (Kind, error)
	SetStoragePreference(ctx context.Context, kind Kind) error
}

// Binder connects the target backend and returns the document it holds.
type Binder func(ctx context.Context) (Document, error)

// PendingSwitch is a connect that found data and awaits a Strategy.
type PendingSwitch struct {
	Target   DocumentAdapter
	Current  Document
	Existing Document
}

// Switcher moves the façade to a new backend without losing either side's data.
type Switcher struct {
	storage     *Storage
	preferences PreferenceStore
	keys        []string
	logger      *zap.Logger

	mutex   sync.Mutex
	pending *PendingSwitch
}

// NewSwitcher snapshots AppStorageKeys when switching.
func NewSwitcher(storage *Storage, preferences PreferenceStore, logger *zap.Logger) *Switcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Switcher{storage: storage, preferences: preferences, keys: AppStorageKeys, logger: logger}
}

// Begin snapshots the active data and binds target. An empty target is
// filled with the snapshot and becomes active immediately, returning nil.
// Otherwise the returned PendingSwitch waits for Resolve or Cancel and the
// previous backend stays active.
func (switcher *Switcher) Begin(ctx context.Context, target DocumentAdapter, bind Binder) (*PendingSwitch, error) {
	current, err := switcher.storage.GetAll(ctx, switcher.keys)
	if err != nil {
		return nil, fmt.Errorf("nookstore.switch.snapshot: %w", err)
	}
	existing, err := bind(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		if err := switcher.commit(ctx, target, current); err != nil {
			return nil, err
		}
		return nil, nil
	}
	pending := &PendingSwitch{Target: target, Current: current, Existing: cloneDocument(existing)}
	switcher.mutex.Lock()
	switcher.pending = pending
	switcher.mutex.Unlock()
	switcher.logger.Info("backend holds data, awaiting resolution",
		zap.String("code", "storage.switch.pending"),
		zap.String("target", string(target.Kind())),
		zap.Int("existing_keys", len(existing)))
	return pending, nil
}

// Pending returns the switch awaiting resolution, if any.
func (switcher *Switcher) Pending() *PendingSwitch {
	switcher.mutex.Lock()
	defer switcher.mutex.Unlock()
	return switcher.pending
}

// Resolve commits the pending switch with strategy. The resolved document is
// persisted with ReplaceAll before the façade switches. On failure the
// pending switch is kept so the user can retry or cancel.
func (switcher *Switcher) Resolve(ctx context.Context, strategy Strategy) (Document, error) {
	switcher.mutex.Lock()
	pending := switcher.pending
	switcher.mutex.Unlock()
	if pending == nil {
		return nil, ErrNoPendingSwitch
	}
	resolved, err := ResolveDocuments(strategy, pending.Current, pending.Existing)
	if err != nil {
		return nil, err
	}
	if err := switcher.commit(ctx, pending.Target, resolved); err != nil {
		return nil, err
	}
	switcher.mutex.Lock()
	if switcher.pending == pending {
		switcher.pending = nil
	}
	switcher.mutex.Unlock()
	return resolved, nil
}

// Cancel abandons the pending switch; the previous backend stays active.
func (switcher *Switcher) Cancel() {
	switcher.mutex.Lock()
	defer switcher.mutex.Unlock()
	switcher.pending = nil
}

func (switcher *Switcher) commit(ctx context.Context, target DocumentAdapter, document Document) error {
	if err := target.ReplaceAll(ctx, document); err != nil {
		return fmt.Errorf("nookstore.switch.commit: %w", err)
	}
	switcher.storage.SetAdapter(target)
	if switcher.preferences != nil {
		if err := switcher.preferences.SetStoragePreference(ctx, target.Kind()); err != nil {
			switcher.logger.Warn("storage preference not saved",
				zap.String("code", "storage.preference.save_failed"),
				zap.Error(err))
		}
	}
	return nil
}
