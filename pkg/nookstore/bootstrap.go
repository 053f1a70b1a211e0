package nookstore

import (
	"context"

	"go.uber.org/zap"
)

// Bootstrapper restores the backend chosen in an earlier session.
type Bootstrapper struct {
	Storage *Storage
	Local   *LocalStore
	// File and Remote are optional; nil means the backend is unavailable.
	File   *LocalFileStore
	Remote *RemoteStore
	Logger *zap.Logger
}

// BootstrapOutcome tells the application what it is running on and what the
// user must do next.
type BootstrapOutcome struct {
	Kind Kind
	// NeedsReauth means the remote session is gone; offer reconnect or local.
	NeedsReauth bool
	// PermissionRequired means the linked file needs a permission grant from
	// a user gesture; call GrantFilePermission.
	PermissionRequired bool
	FileName           string
	// Migrated lists current keys filled from legacy keys.
	Migrated []string
}

// Bootstrap activates a backend. Failures of the preferred backend fall
// back to local storage rather than failing startup.
func (bootstrapper *Bootstrapper) Bootstrap(ctx context.Context) (BootstrapOutcome, error) {
	logger := bootstrapper.logger()
	preference, err := bootstrapper.Local.StoragePreference(ctx)
	if err != nil {
		logger.Warn("storage preference unreadable, using local",
			zap.String("code", "storage.bootstrap.preference_invalid"),
			zap.Error(err))
		preference = KindLocal
	}

	switch preference {
	case KindRemote:
		if bootstrapper.Remote == nil {
			return bootstrapper.activateLocal(ctx)
		}
		restored, restoreErr := bootstrapper.Remote.RestoreSession(ctx)
		if restoreErr != nil {
			logger.Error("remote session check failed, falling back to local",
				zap.String("code", "storage.bootstrap.remote_failed"),
				zap.Error(restoreErr))
			return bootstrapper.activateLocal(ctx)
		}
		if !restored {
			return BootstrapOutcome{Kind: KindRemote, NeedsReauth: true}, nil
		}
		return bootstrapper.activate(ctx, bootstrapper.Remote)

	case KindLocalFile:
		if bootstrapper.File == nil {
			return bootstrapper.activateLocal(ctx)
		}
		result := bootstrapper.File.RestoreSession(ctx)
		if result.Success {
			outcome, activateErr := bootstrapper.activate(ctx, bootstrapper.File)
			outcome.FileName = result.FileName
			return outcome, activateErr
		}
		if result.Reason == RestorePermissionRequired {
			return BootstrapOutcome{Kind: KindLocalFile, PermissionRequired: true, FileName: result.FileName}, nil
		}
		logger.Warn("local file session not restored, falling back to local",
			zap.String("code", "storage.bootstrap.file_failed"),
			zap.String("reason", result.Reason),
			zap.Error(result.Err))
		return bootstrapper.activateLocal(ctx)
	}

	if bootstrapper.Remote != nil {
		restored, restoreErr := bootstrapper.Remote.RestoreSession(ctx)
		if restoreErr != nil {
			logger.Warn("remote session check failed, continuing with local",
				zap.String("code", "storage.bootstrap.remote_probe_failed"),
				zap.Error(restoreErr))
		} else if restored {
			return bootstrapper.activate(ctx, bootstrapper.Remote)
		}
	}
	return bootstrapper.activate(ctx, bootstrapper.Local)
}

// GrantFilePermission re-requests file access after a PermissionRequired
// outcome and activates the file when granted.
func (bootstrapper *Bootstrapper) GrantFilePermission(ctx context.Context) (bool, error) {
	if bootstrapper.File == nil {
		return false, ErrUnsupported
	}
	granted, err := bootstrapper.File.VerifyPermission(ctx)
	if err != nil || !granted {
		return false, err
	}
	if _, err := bootstrapper.activate(ctx, bootstrapper.File); err != nil {
		return false, err
	}
	return true, nil
}

// FallBackToLocal activates the local store and forgets the preference.
func (bootstrapper *Bootstrapper) FallBackToLocal(ctx context.Context) error {
	bootstrapper.Storage.SetAdapter(bootstrapper.Local)
	return bootstrapper.Local.SetStoragePreference(ctx, KindLocal)
}

func (bootstrapper *Bootstrapper) activateLocal(ctx context.Context) (BootstrapOutcome, error) {
	if err := bootstrapper.FallBackToLocal(ctx); err != nil {
		return BootstrapOutcome{Kind: KindLocal}, err
	}
	return bootstrapper.activate(ctx, bootstrapper.Local)
}

func (bootstrapper *Bootstrapper) activate(ctx context.Context, adapter Adapter) (BootstrapOutcome, error) {
	bootstrapper.Storage.SetAdapter(adapter)
	outcome := BootstrapOutcome{Kind: adapter.Kind()}
	migrated, err := MigrateLegacyKeys(ctx, bootstrapper.Storage)
	outcome.Migrated = migrated
	return outcome, err
}

func (bootstrapper *Bootstrapper) logger() *zap.Logger {
	if bootstrapper.Logger == nil {
		return zap.NewNop()
	}
	return bootstrapper.Logger
}
