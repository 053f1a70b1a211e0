package drivestore

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

var (
	// ErrMalformedDocument indicates the remote file does not hold a JSON object.
	ErrMalformedDocument = errors.New("drive.malformed_document")

	errMissingTokens = errors.New("drive.missing_token_source")
	errMissingUsers  = errors.New("drive.missing_user_store")
	errMissingFiles  = errors.New("drive.missing_file_client_factory")
)

// RemoteStoreError reports a failed Drive call that is not an authorization problem.
// Status is zero when no HTTP response was received.
type RemoteStoreError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *RemoteStoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("drive.%s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("drive.%s: %v", e.Op, e.Err)
}

func (e *RemoteStoreError) Unwrap() error {
	return e.Err
}

func apiStatus(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func isAuthStatus(err error) bool {
	status := apiStatus(err)
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func isTransientStatus(err error) bool {
	switch apiStatus(err) {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func newRemoteStoreError(op string, err error) *RemoteStoreError {
	remoteErr := &RemoteStoreError{Op: op, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		remoteErr.Status = apiErr.Code
		remoteErr.Body = apiErr.Body
		if remoteErr.Body == "" {
			remoteErr.Body = apiErr.Message
		}
	}
	return remoteErr
}
