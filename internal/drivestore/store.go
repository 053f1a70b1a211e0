package drivestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/googleapis/gax-go/v2"
	"github.com/tyemirov/focusnook/internal/authkit"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultFileName is the per-user document kept in the application's Drive space.
const DefaultFileName = "focusnook-data.json"

// Counter names recorded by the store.
const (
	MetricAuthRetry      = "drive.auth_retry"
	MetricAuthRequired   = "drive.auth_required"
	MetricTransientRetry = "drive.transient_retry"
	MetricFileCreated    = "drive.file_created"
)

const reasonRemoteRejectedToken = "remote_rejected_token"

// Document is the whole application data map. Values stay raw so keys the
// server does not know about survive a round trip.
type Document = map[string]json.RawMessage

// TokenSource hands out access tokens and drops them once Drive rejects them.
type TokenSource interface {
	GetAccessToken(ctx context.Context, userID string) (string, error)
	Invalidate(userID string)
}

// FileIDRecorder reads and records the remote file id on the user record.
type FileIDRecorder interface {
	GetUser(ctx context.Context, userID string) (*authkit.UserRecord, error)
	SetRemoteFileID(ctx context.Context, userID string, fileID string) error
}

// Config wires a Store.
type Config struct {
	Tokens   TokenSource
	Users    FileIDRecorder
	Files    FileClientFactory
	FileName string
	// Backoff paces transient retries; the zero value uses DefaultBackoff.
	Backoff gax.Backoff
	// MaxTransientAttempts bounds calls per authorized attempt; zero means 3.
	MaxTransientAttempts int
	Logger               *zap.Logger
	Metrics              authkit.MetricsRecorder
}

// Store reads and writes each user's single JSON document in Drive.
type Store struct {
	tokens               TokenSource
	users                FileIDRecorder
	files                FileClientFactory
	fileName             string
	backoff              gax.Backoff
	maxTransientAttempts int
	logger               *zap.Logger
	metrics              authkit.MetricsRecorder
	sleep                sleepFunc
	locate               singleflight.Group
}

// New validates the configuration and fills defaults.
func New(configuration Config) (*Store, error) {
	if configuration.Tokens == nil {
		return nil, fmt.Errorf("drive.new: %w", errMissingTokens)
	}
	if configuration.Users == nil {
		return nil, fmt.Errorf("drive.new: %w", errMissingUsers)
	}
	if configuration.Files == nil {
		return nil, fmt.Errorf("drive.new: %w", errMissingFiles)
	}
	fileName := strings.TrimSpace(configuration.FileName)
	if fileName == "" {
		fileName = DefaultFileName
	}
	backoff := configuration.Backoff
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff()
	}
	attempts := configuration.MaxTransientAttempts
	if attempts <= 0 {
		attempts = defaultMaxTransientAttempts
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := configuration.Metrics
	if metrics == nil {
		metrics = authkit.NewCounterMetrics()
	}
	return &Store{
		tokens:               configuration.Tokens,
		users:                configuration.Users,
		files:                configuration.Files,
		fileName:             fileName,
		backoff:              backoff,
		maxTransientAttempts: attempts,
		logger:               logger,
		metrics:              metrics,
		sleep:                gax.Sleep,
	}, nil
}

// FileName reports the name of the remote document.
func (store *Store) FileName() string {
	return store.fileName
}

// FileID returns the id of the user's document, locating or creating it
// on first use and recording the id on the user record.
func (store *Store) FileID(ctx context.Context, userID string) (string, error) {
	cachedID, err := store.cachedFileID(ctx, userID)
	if err != nil {
		return "", err
	}
	if cachedID != "" {
		return cachedID, nil
	}
	var fileID string
	err = store.withTokenRetry(ctx, userID, "locate", func(client FileClient) error {
		located, locateErr := store.locateOrCreate(ctx, client, userID)
		if locateErr != nil {
			return locateErr
		}
		fileID = located
		return nil
	})
	if err != nil {
		return "", err
	}
	return fileID, nil
}

// Load returns the user's document. A missing or empty body reads as an empty document.
func (store *Store) Load(ctx context.Context, userID string) (Document, error) {
	cachedID, err := store.cachedFileID(ctx, userID)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = store.withTokenRetry(ctx, userID, "load", func(client FileClient) error {
		fileID, resolveErr := store.resolveFileID(ctx, client, userID, &cachedID)
		if resolveErr != nil {
			return resolveErr
		}
		downloaded, downloadErr := client.Download(ctx, fileID)
		if apiStatus(downloadErr) == http.StatusNotFound {
			cachedID = ""
			return store.staleFileID(userID, downloadErr)
		}
		if downloadErr != nil {
			return downloadErr
		}
		body = downloaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeDocument(body)
}

// Save overwrites the user's document with a full snapshot. A nil document
// is stored as an empty object.
func (store *Store) Save(ctx context.Context, userID string, document Document) error {
	if document == nil {
		document = Document{}
	}
	content, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("drive.save: %w", err)
	}
	cachedID, err := store.cachedFileID(ctx, userID)
	if err != nil {
		return err
	}
	return store.withTokenRetry(ctx, userID, "save", func(client FileClient) error {
		fileID, resolveErr := store.resolveFileID(ctx, client, userID, &cachedID)
		if resolveErr != nil {
			return resolveErr
		}
		uploadErr := client.Upload(ctx, fileID, content)
		if apiStatus(uploadErr) == http.StatusNotFound {
			cachedID = ""
			return store.staleFileID(userID, uploadErr)
		}
		return uploadErr
	})
}

// withTokenRetry runs call with a fresh access token. A 401 or 403 from Drive
// evicts the token and retries once; a second rejection leaves it evicted and
// reports that the user must sign in again. A stale file id is relocated once,
// independently of the token retry.
func (store *Store) withTokenRetry(ctx context.Context, userID string, op string, call func(FileClient) error) error {
	authRetried := false
	relocated := false
	for {
		accessToken, tokenErr := store.tokens.GetAccessToken(ctx, userID)
		if tokenErr != nil {
			return tokenErr
		}
		client, clientErr := store.files(ctx, accessToken)
		if clientErr != nil {
			return newRemoteStoreError(op, clientErr)
		}
		callErr := store.retryTransient(ctx, op, func() error { return call(client) })
		if callErr == nil {
			return nil
		}
		var staleErr *staleFileError
		if errors.As(callErr, &staleErr) && !relocated {
			relocated = true
			continue
		}
		var recordErr *recordError
		if errors.As(callErr, &recordErr) {
			return recordErr.err
		}
		if !isAuthStatus(callErr) {
			store.logger.Warn("drive request failed",
				zap.String("code", "drive."+op+".failed"),
				zap.String("user_id", userID),
				zap.Error(callErr))
			return newRemoteStoreError(op, unwrapStale(callErr))
		}
		store.tokens.Invalidate(userID)
		if !authRetried {
			authRetried = true
			store.metrics.Increment(MetricAuthRetry)
			continue
		}
		store.metrics.Increment(MetricAuthRequired)
		store.logger.Warn("drive rejected refreshed token",
			zap.String("code", "drive."+op+".auth_required"),
			zap.String("user_id", userID),
			zap.Int("status", apiStatus(callErr)))
		return &authkit.AuthRequiredError{UserID: userID, Reason: reasonRemoteRejectedToken, Err: callErr}
	}
}

func (store *Store) cachedFileID(ctx context.Context, userID string) (string, error) {
	record, err := store.users.GetUser(ctx, userID)
	if errors.Is(err, authkit.ErrUserNotFound) {
		return "", &authkit.AuthRequiredError{UserID: userID, Reason: "no_user_record"}
	}
	if err != nil {
		return "", fmt.Errorf("drive.file_id: %w", err)
	}
	return record.RemoteFileID, nil
}

func (store *Store) resolveFileID(ctx context.Context, client FileClient, userID string, cachedID *string) (string, error) {
	if *cachedID != "" {
		return *cachedID, nil
	}
	located, err := store.locateOrCreate(ctx, client, userID)
	if err != nil {
		return "", err
	}
	*cachedID = located
	return located, nil
}

// locateOrCreate searches for the document and creates it when absent.
// Concurrent callers for one user share a single search.
func (store *Store) locateOrCreate(ctx context.Context, client FileClient, userID string) (string, error) {
	result, err, _ := store.locate.Do(userID, func() (any, error) {
		fileID, findErr := client.FindFile(ctx, store.fileName)
		if findErr != nil {
			return "", findErr
		}
		if fileID == "" {
			created, createErr := client.CreateFile(ctx, store.fileName, []byte("{}"))
			if createErr != nil {
				return "", createErr
			}
			fileID = created
			store.metrics.Increment(MetricFileCreated)
			store.logger.Info("created remote document",
				zap.String("code", "drive.file.created"),
				zap.String("user_id", userID))
		}
		if recordErr := store.users.SetRemoteFileID(ctx, userID, fileID); recordErr != nil {
			return "", &recordError{err: fmt.Errorf("drive.file_id: %w", recordErr)}
		}
		return fileID, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (store *Store) staleFileID(userID string, cause error) error {
	store.logger.Info("remote document id no longer resolves, locating again",
		zap.String("code", "drive.file.stale_id"),
		zap.String("user_id", userID))
	return &staleFileError{err: cause}
}

func decodeDocument(body []byte) (Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Document{}, nil
	}
	var document Document
	if err := json.Unmarshal(trimmed, &document); err != nil {
		return nil, &RemoteStoreError{Op: "load", Err: fmt.Errorf("%w: %v", ErrMalformedDocument, err)}
	}
	if document == nil {
		document = Document{}
	}
	return document, nil
}

// staleFileError marks a 404 on a previously recorded file id.
type staleFileError struct {
	err error
}

func (e *staleFileError) Error() string { return e.err.Error() }
func (e *staleFileError) Unwrap() error { return e.err }

// recordError carries a user store failure past status classification.
type recordError struct {
	err error
}

func (e *recordError) Error() string { return e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }

func unwrapStale(err error) error {
	var stale *staleFileError
	if errors.As(err, &stale) {
		return stale.err
	}
	return err
}
