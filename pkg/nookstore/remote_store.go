package nookstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRemoteSaveDelay is the idle window before a debounced remote save.
const DefaultRemoteSaveDelay = 2 * time.Second

const (
	sessionPath   = "/auth/session"
	logoutPath    = "/auth/logout"
	startPath     = "/auth/google/start"
	documentPath  = "/api/drive/data"
	maxErrorBytes = 4096
)

var errMissingBaseURL = errors.New("nookstore.remote.missing_base_url")

// SessionUser is the profile reported by the session endpoint.
type SessionUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// RemoteConfig wires a RemoteStore.
type RemoteConfig struct {
	// BaseURL is the focusnook server root, e.g. https://focusnook.example.com.
	BaseURL string
	// HTTPClient must keep cookies; a client with a cookie jar is built when nil.
	HTTPClient *http.Client
	Logger     *zap.Logger
	// SaveDelay defaults to DefaultRemoteSaveDelay.
	SaveDelay time.Duration
	// OnAuthRequired fires once per auth failure until the next successful restore.
	OnAuthRequired func()
	// OnSaveError receives failures of debounced saves.
	OnSaveError func(error)
}

// RemoteStore mirrors the user's remote document through the server. The
// whole document is cached after the first load and every save sends all of it.
type RemoteStore struct {
	baseURL        string
	client         *http.Client
	logger         *zap.Logger
	onAuthRequired func()
	onSaveError    func(error)
	debouncer      *Debouncer

	mutex          sync.Mutex
	cache          Document
	loaded         bool
	user           *SessionUser
	hasAuthFailure bool
}

// NewRemoteStore validates the configuration.
func NewRemoteStore(configuration RemoteConfig) (*RemoteStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	client := configuration.HTTPClient
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("nookstore.remote.cookies: %w", err)
		}
		client = &http.Client{Jar: jar, Timeout: 30 * time.Second}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := configuration.SaveDelay
	if delay <= 0 {
		delay = DefaultRemoteSaveDelay
	}
	store := &RemoteStore{
		baseURL:        baseURL,
		client:         client,
		logger:         logger,
		onAuthRequired: configuration.OnAuthRequired,
		onSaveError:    configuration.OnSaveError,
		cache:          Document{},
	}
	store.debouncer = NewDebouncer(delay, store.flushDebounced)
	return store, nil
}

func (store *RemoteStore) Kind() Kind {
	return KindRemote
}

// ConnectURL is where the user starts the OAuth flow.
func (store *RemoteStore) ConnectURL() string {
	return store.baseURL + startPath
}

// User returns the profile from the last successful restore.
func (store *RemoteStore) User() *SessionUser {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.user
}

// RestoreSession asks the server whether the session cookie is still valid.
// A non-2xx answer is reported as not authenticated.
func (store *RemoteStore) RestoreSession(ctx context.Context) (bool, error) {
	response, err := store.do(ctx, http.MethodGet, sessionPath, nil)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return false, nil
	}
	var payload struct {
		Authenticated bool         `json:"authenticated"`
		User          *SessionUser `json:"user"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("nookstore.remote.session: %w", err)
	}
	if !payload.Authenticated {
		return false, nil
	}
	store.mutex.Lock()
	store.user = payload.User
	store.hasAuthFailure = false
	store.mutex.Unlock()
	return true, nil
}

// Disconnect logs out and forgets cached state even when the request fails.
func (store *RemoteStore) Disconnect(ctx context.Context) error {
	store.debouncer.Cancel()
	response, err := store.do(ctx, http.MethodPost, logoutPath, nil)
	store.mutex.Lock()
	store.cache = Document{}
	store.loaded = false
	store.user = nil
	store.hasAuthFailure = false
	store.mutex.Unlock()
	if err != nil {
		store.logger.Warn("logout request failed",
			zap.String("code", "remote.logout.failed"),
			zap.Error(err))
		return err
	}
	_ = response.Body.Close()
	return nil
}

// Load fetches the document and replaces the cache with it.
func (store *RemoteStore) Load(ctx context.Context) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.loadLocked(ctx); err != nil {
		return nil, err
	}
	return cloneDocument(store.cache), nil
}

// Flush sends the cached document now.
func (store *RemoteStore) Flush(ctx context.Context) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.saveLocked(ctx)
}

func (store *RemoteStore) ReplaceAll(ctx context.Context, document Document) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cache = cloneDocument(document)
	store.loaded = true
	return store.saveLocked(ctx)
}

func (store *RemoteStore) Snapshot(ctx context.Context) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return cloneDocument(store.cache), nil
}

func (store *RemoteStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	value := store.cache[key]
	if isAbsent(value) {
		return nil, nil
	}
	return value, nil
}

func (store *RemoteStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	store.cache[key] = value
	store.debouncer.Schedule()
	return nil
}

func (store *RemoteStore) Remove(ctx context.Context, key string) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	delete(store.cache, key)
	return store.saveLocked(ctx)
}

func (store *RemoteStore) GetAll(ctx context.Context, keys []string) (Document, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}
	return pickKeys(store.cache, keys), nil
}

func (store *RemoteStore) SetAll(ctx context.Context, entries Document) error {
	store.debouncer.Cancel()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if err := store.ensureLoadedLocked(ctx); err != nil {
		return err
	}
	for key, value := range entries {
		store.cache[key] = value
	}
	return store.saveLocked(ctx)
}

func (store *RemoteStore) ensureLoadedLocked(ctx context.Context) error {
	if store.loaded {
		return nil
	}
	return store.loadLocked(ctx)
}

func (store *RemoteStore) loadLocked(ctx context.Context) error {
	response, err := store.request(ctx, http.MethodGet, documentPath, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &ResponseError{Op: "load", Status: response.StatusCode, Body: readErrorBody(response)}
	}
	var document Document
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return fmt.Errorf("nookstore.remote.load: %w", err)
	}
	if document == nil {
		document = Document{}
	}
	store.cache = document
	store.loaded = true
	return nil
}

// saveLocked never sends a cache that was not loaded or replaced first.
func (store *RemoteStore) saveLocked(ctx context.Context) error {
	if !store.loaded {
		return nil
	}
	body, err := json.Marshal(store.cache)
	if err != nil {
		return fmt.Errorf("nookstore.remote.encode: %w", err)
	}
	response, err := store.request(ctx, http.MethodPost, documentPath, body)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &ResponseError{Op: "save", Status: response.StatusCode, Body: readErrorBody(response)}
	}
	return nil
}

// request retries once on 401/403; a second rejection clears the cache,
// notifies OnAuthRequired, and returns an *AuthError.
func (store *RemoteStore) request(ctx context.Context, method string, path string, body []byte) (*http.Response, error) {
	response, err := store.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if !isAuthStatus(response.StatusCode) {
		return response, nil
	}
	_ = response.Body.Close()

	response, err = store.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if !isAuthStatus(response.StatusCode) {
		return response, nil
	}
	authErr := &AuthError{Status: response.StatusCode, Body: readErrorBody(response)}
	_ = response.Body.Close()
	store.emitAuthRequiredLocked()
	return nil, authErr
}

func (store *RemoteStore) do(ctx context.Context, method string, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, store.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("nookstore.remote.request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	response, err := store.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("nookstore.remote.request: %w", err)
	}
	return response, nil
}

func (store *RemoteStore) emitAuthRequiredLocked() {
	if store.hasAuthFailure {
		return
	}
	store.hasAuthFailure = true
	store.cache = Document{}
	store.loaded = false
	store.user = nil
	store.logger.Warn("remote storage requires reauthorization",
		zap.String("code", "remote.auth_required"))
	if store.onAuthRequired != nil {
		go store.onAuthRequired()
	}
}

func (store *RemoteStore) flushDebounced() {
	store.mutex.Lock()
	err := store.saveLocked(context.Background())
	store.mutex.Unlock()
	if err == nil {
		return
	}
	store.logger.Error("remote save failed",
		zap.String("code", "remote.save.failed"),
		zap.Error(err))
	if store.onSaveError != nil {
		store.onSaveError(err)
	}
}

func isAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func readErrorBody(response *http.Response) string {
	content, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBytes))
	return strings.TrimSpace(string(content))
}
