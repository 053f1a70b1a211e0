package nookstore

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired means the remote session can no longer reach Drive; the
	// user must reconnect or fall back to local storage.
	ErrAuthRequired = errors.New("nookstore.auth_required")
	// ErrPermissionDenied means the linked file cannot be written; the user must relink it.
	ErrPermissionDenied = errors.New("nookstore.permission_denied")
	// ErrUnsupported means the platform has no file picker.
	ErrUnsupported = errors.New("nookstore.unsupported")
	// ErrAborted means the user cancelled the picker. Callers treat it as a no-op.
	ErrAborted = errors.New("nookstore.aborted")
	// ErrNotLinked means no local file is bound.
	ErrNotLinked = errors.New("nookstore.not_linked")
	// ErrInvalidFileContent means the linked file is not a JSON object.
	ErrInvalidFileContent = errors.New("nookstore.invalid_file_content")
	// ErrInvalidBackupFormat means an import file is not a backup; nothing was written.
	ErrInvalidBackupFormat = errors.New("nookstore.invalid_backup_format")
	// ErrNoPendingSwitch means Resolve was called without a prompt in progress.
	ErrNoPendingSwitch = errors.New("nookstore.no_pending_switch")
	// ErrUnknownStrategy means the resolution strategy is not recognized.
	ErrUnknownStrategy = errors.New("nookstore.unknown_strategy")
)

// ResponseError reports a non-auth failure from the server's HTTP surface.
type ResponseError struct {
	Op     string
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("nookstore.remote.%s: status %d: %s", e.Op, e.Status, e.Body)
}

// AuthError carries the rejected response behind ErrAuthRequired.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrAuthRequired, e.Status, e.Body)
}

// Is lets errors.Is(err, ErrAuthRequired) match.
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthRequired
}
