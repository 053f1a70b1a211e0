package drivestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/focusnook/internal/authkit"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"
)

type fakeTokens struct {
	mutex       sync.Mutex
	tokens      []string
	issued      int
	invalidated int
	err         error
}

func (tokens *fakeTokens) GetAccessToken(ctx context.Context, userID string) (string, error) {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	if tokens.err != nil {
		return "", tokens.err
	}
	index := tokens.issued
	if index >= len(tokens.tokens) {
		index = len(tokens.tokens) - 1
	}
	tokens.issued++
	return tokens.tokens[index], nil
}

func (tokens *fakeTokens) Invalidate(userID string) {
	tokens.mutex.Lock()
	defer tokens.mutex.Unlock()
	tokens.invalidated++
}

// fakeDrive keeps files in memory and fails calls per access token or from a queue.
type fakeDrive struct {
	mutex      sync.Mutex
	files      map[string][]byte
	names      map[string]string
	nextID     int
	rejected   map[string]bool
	failures   []error
	finds      int
	creates    int
	downloads  int
	uploads    int
	lastUpload []byte
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: map[string][]byte{}, names: map[string]string{}, rejected: map[string]bool{}}
}

func (drive *fakeDrive) factory() FileClientFactory {
	return func(ctx context.Context, accessToken string) (FileClient, error) {
		return &fakeDriveClient{drive: drive, token: accessToken}, nil
	}
}

type fakeDriveClient struct {
	drive *fakeDrive
	token string
}

func (client *fakeDriveClient) check() error {
	if client.drive.rejected[client.token] {
		return &googleapi.Error{Code: http.StatusUnauthorized, Message: "invalid credentials"}
	}
	if len(client.drive.failures) > 0 {
		next := client.drive.failures[0]
		client.drive.failures = client.drive.failures[1:]
		return next
	}
	return nil
}

func (client *fakeDriveClient) FindFile(ctx context.Context, name string) (string, error) {
	client.drive.mutex.Lock()
	defer client.drive.mutex.Unlock()
	client.drive.finds++
	if err := client.check(); err != nil {
		return "", err
	}
	for id, fileName := range client.drive.names {
		if fileName == name {
			return id, nil
		}
	}
	return "", nil
}

func (client *fakeDriveClient) CreateFile(ctx context.Context, name string, content []byte) (string, error) {
	client.drive.mutex.Lock()
	defer client.drive.mutex.Unlock()
	client.drive.creates++
	if err := client.check(); err != nil {
		return "", err
	}
	client.drive.nextID++
	id := "file-" + string(rune('0'+client.drive.nextID))
	client.drive.names[id] = name
	client.drive.files[id] = append([]byte(nil), content...)
	return id, nil
}

func (client *fakeDriveClient) Download(ctx context.Context, fileID string) ([]byte, error) {
	client.drive.mutex.Lock()
	defer client.drive.mutex.Unlock()
	client.drive.downloads++
	if err := client.check(); err != nil {
		return nil, err
	}
	content, ok := client.drive.files[fileID]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "file not found"}
	}
	return content, nil
}

func (client *fakeDriveClient) Upload(ctx context.Context, fileID string, content []byte) error {
	client.drive.mutex.Lock()
	defer client.drive.mutex.Unlock()
	client.drive.uploads++
	if err := client.check(); err != nil {
		return err
	}
	if _, ok := client.drive.files[fileID]; !ok {
		return &googleapi.Error{Code: http.StatusNotFound, Message: "file not found"}
	}
	client.drive.files[fileID] = append([]byte(nil), content...)
	client.drive.lastUpload = client.drive.files[fileID]
	return nil
}

type storeFixture struct {
	store   *Store
	drive   *fakeDrive
	tokens  *fakeTokens
	users   *authkit.MemoryUserStore
	metrics *authkit.CounterMetrics
	pauses  []time.Duration
}

func newStoreFixture(t *testing.T, tokens ...string) *storeFixture {
	t.Helper()
	if len(tokens) == 0 {
		tokens = []string{"token-1"}
	}
	fixture := &storeFixture{
		drive:   newFakeDrive(),
		tokens:  &fakeTokens{tokens: tokens},
		users:   authkit.NewMemoryUserStore(nil),
		metrics: authkit.NewCounterMetrics(),
	}
	if _, err := fixture.users.SaveLogin(context.Background(), authkit.UserProfile{Subject: "user-1"}, "refresh-1"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	store, err := New(Config{
		Tokens:  fixture.tokens,
		Users:   fixture.users,
		Files:   fixture.drive.factory(),
		Logger:  zaptest.NewLogger(t),
		Metrics: fixture.metrics,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	store.sleep = func(ctx context.Context, delay time.Duration) error {
		fixture.pauses = append(fixture.pauses, delay)
		return nil
	}
	fixture.store = store
	return fixture
}

func TestNewValidatesDependencies(t *testing.T) {
	drive := newFakeDrive()
	users := authkit.NewMemoryUserStore(nil)
	tokens := &fakeTokens{tokens: []string{"t"}}
	if _, err := New(Config{Users: users, Files: drive.factory()}); !errors.Is(err, errMissingTokens) {
		t.Fatalf("expected missing tokens, got %v", err)
	}
	if _, err := New(Config{Tokens: tokens, Files: drive.factory()}); !errors.Is(err, errMissingUsers) {
		t.Fatalf("expected missing users, got %v", err)
	}
	if _, err := New(Config{Tokens: tokens, Users: users}); !errors.Is(err, errMissingFiles) {
		t.Fatalf("expected missing files, got %v", err)
	}
	store, err := New(Config{Tokens: tokens, Users: users, Files: drive.factory()})
	if err != nil || store.FileName() != DefaultFileName {
		t.Fatalf("expected default file name, got %v err=%v", store, err)
	}
}

func TestFileIDCreatesDocumentOnceAndRecordsIt(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	fileID, err := fixture.store.FileID(ctx, "user-1")
	if err != nil {
		t.Fatalf("file id: %v", err)
	}
	if string(fixture.drive.files[fileID]) != "{}" {
		t.Fatalf("expected new document to hold {}, got %q", fixture.drive.files[fileID])
	}
	record, _ := fixture.users.GetUser(ctx, "user-1")
	if record.RemoteFileID != fileID {
		t.Fatalf("expected recorded file id %s, got %s", fileID, record.RemoteFileID)
	}

	again, err := fixture.store.FileID(ctx, "user-1")
	if err != nil || again != fileID {
		t.Fatalf("expected cached file id, got %s err=%v", again, err)
	}
	if fixture.drive.finds != 1 || fixture.drive.creates != 1 {
		t.Fatalf("expected one search and one create, got %d/%d", fixture.drive.finds, fixture.drive.creates)
	}
	if fixture.metrics.Count(MetricFileCreated) != 1 {
		t.Fatalf("expected file created metric")
	}
}

func TestFileIDReusesExistingDocument(t *testing.T) {
	fixture := newStoreFixture(t)
	fixture.drive.names["existing"] = DefaultFileName
	fixture.drive.files["existing"] = []byte(`{"a":1}`)

	fileID, err := fixture.store.FileID(context.Background(), "user-1")
	if err != nil || fileID != "existing" {
		t.Fatalf("expected existing file, got %s err=%v", fileID, err)
	}
	if fixture.drive.creates != 0 {
		t.Fatalf("expected no create, got %d", fixture.drive.creates)
	}
}

func TestSaveThenLoadRoundTripsDocument(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()

	document := Document{
		"focusnook-todos": json.RawMessage(`[{"id":1,"text":"write"}]`),
		"unknown-key":     json.RawMessage(`{"kept":true}`),
	}
	if err := fixture.store.Save(ctx, "user-1", document); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := fixture.store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded["unknown-key"]) != `{"kept":true}` || string(loaded["focusnook-todos"]) != `[{"id":1,"text":"write"}]` {
		t.Fatalf("unexpected document %v", loaded)
	}

	if err := fixture.store.Save(ctx, "user-1", nil); err != nil {
		t.Fatalf("save nil: %v", err)
	}
	if string(fixture.drive.lastUpload) != "{}" {
		t.Fatalf("expected nil document stored as {}, got %q", fixture.drive.lastUpload)
	}
}

func TestLoadTreatsEmptyBodyAsEmptyDocument(t *testing.T) {
	fixture := newStoreFixture(t)
	fixture.drive.names["blank"] = DefaultFileName
	fixture.drive.files["blank"] = []byte("  ")

	loaded, err := fixture.store.Load(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil || len(loaded) != 0 {
		t.Fatalf("expected empty document, got %v", loaded)
	}
}

func TestLoadRejectsNonObjectDocument(t *testing.T) {
	fixture := newStoreFixture(t)
	fixture.drive.names["list"] = DefaultFileName
	fixture.drive.files["list"] = []byte(`[1,2]`)

	_, err := fixture.store.Load(context.Background(), "user-1")
	var remoteErr *RemoteStoreError
	if !errors.As(err, &remoteErr) || !errors.Is(err, ErrMalformedDocument) {
		t.Fatalf("expected malformed document error, got %v", err)
	}
}

func TestRejectedTokenIsInvalidatedAndRetriedOnce(t *testing.T) {
	fixture := newStoreFixture(t, "stale", "fresh")
	fixture.drive.rejected["stale"] = true

	if _, err := fixture.store.Load(context.Background(), "user-1"); err != nil {
		t.Fatalf("expected retry with fresh token to succeed, got %v", err)
	}
	if fixture.tokens.invalidated != 1 || fixture.tokens.issued != 2 {
		t.Fatalf("expected one invalidation and two tokens, got %d/%d", fixture.tokens.invalidated, fixture.tokens.issued)
	}
	if fixture.metrics.Count(MetricAuthRetry) != 1 {
		t.Fatalf("expected auth retry metric")
	}
}

func TestSecondRejectionRequiresAuthentication(t *testing.T) {
	fixture := newStoreFixture(t, "stale", "also-stale")
	fixture.drive.rejected["stale"] = true
	fixture.drive.rejected["also-stale"] = true

	err := fixture.store.Save(context.Background(), "user-1", Document{})
	var authErr *authkit.AuthRequiredError
	if !errors.As(err, &authErr) || authErr.Reason != reasonRemoteRejectedToken {
		t.Fatalf("expected auth required, got %v", err)
	}
	if !errors.Is(err, authkit.ErrAuthRequired) {
		t.Fatalf("expected errors.Is ErrAuthRequired")
	}
	if fixture.tokens.invalidated != 2 || fixture.tokens.issued != 2 {
		t.Fatalf("expected token left evicted after two attempts, got %d/%d", fixture.tokens.invalidated, fixture.tokens.issued)
	}
}

func TestTokenSourceErrorsPropagateUnchanged(t *testing.T) {
	fixture := newStoreFixture(t)
	sourceErr := &authkit.AuthRequiredError{UserID: "user-1", Reason: "refresh_failed"}
	fixture.tokens.err = sourceErr

	_, err := fixture.store.Load(context.Background(), "user-1")
	if err != sourceErr {
		t.Fatalf("expected token error unchanged, got %v", err)
	}
	if fixture.drive.finds != 0 {
		t.Fatalf("expected no drive calls")
	}
}

func TestUnknownUserRequiresAuthentication(t *testing.T) {
	fixture := newStoreFixture(t)
	_, err := fixture.store.Load(context.Background(), "nobody")
	if !errors.Is(err, authkit.ErrAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
}

func TestTransientFailuresRetryWithBackoff(t *testing.T) {
	fixture := newStoreFixture(t)
	fixture.drive.failures = []error{
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		&googleapi.Error{Code: http.StatusTooManyRequests},
	}

	if _, err := fixture.store.FileID(context.Background(), "user-1"); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(fixture.pauses) != 2 || fixture.pauses[0] <= 0 {
		t.Fatalf("expected two backoff pauses, got %v", fixture.pauses)
	}
	if fixture.metrics.Count(MetricTransientRetry) != 2 {
		t.Fatalf("expected two transient retries")
	}
	if fixture.tokens.invalidated != 0 {
		t.Fatalf("transient failures must not evict the token")
	}
}

func TestTransientFailuresGiveUpAfterThreeAttempts(t *testing.T) {
	fixture := newStoreFixture(t)
	for attempt := 0; attempt < 3; attempt++ {
		fixture.drive.failures = append(fixture.drive.failures, &googleapi.Error{Code: http.StatusBadGateway, Body: "bad gateway"})
	}

	_, err := fixture.store.FileID(context.Background(), "user-1")
	var remoteErr *RemoteStoreError
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusBadGateway || remoteErr.Body != "bad gateway" {
		t.Fatalf("expected remote store error, got %v", err)
	}
	if fixture.drive.finds != 3 {
		t.Fatalf("expected three attempts, got %d", fixture.drive.finds)
	}
}

func TestNonTransientFailureIsNotRetried(t *testing.T) {
	fixture := newStoreFixture(t)
	fixture.drive.failures = []error{&googleapi.Error{Code: http.StatusBadRequest, Message: "bad query"}}

	_, err := fixture.store.FileID(context.Background(), "user-1")
	var remoteErr *RemoteStoreError
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusBadRequest || remoteErr.Body != "bad query" {
		t.Fatalf("expected 400 remote store error, got %v", err)
	}
	if fixture.drive.finds != 1 || len(fixture.pauses) != 0 {
		t.Fatalf("expected a single attempt")
	}
}

func TestStaleRecordedFileIDIsRelocated(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	if err := fixture.users.SetRemoteFileID(ctx, "user-1", "deleted"); err != nil {
		t.Fatalf("seed file id: %v", err)
	}

	if err := fixture.store.Save(ctx, "user-1", Document{"k": json.RawMessage(`"v"`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	record, _ := fixture.users.GetUser(ctx, "user-1")
	if record.RemoteFileID == "deleted" || record.RemoteFileID == "" {
		t.Fatalf("expected relocated file id, got %q", record.RemoteFileID)
	}
	if string(fixture.drive.files[record.RemoteFileID]) != `{"k":"v"}` {
		t.Fatalf("unexpected stored content %q", fixture.drive.files[record.RemoteFileID])
	}
}

func TestRelocationKeepsTokenRetryAvailable(t *testing.T) {
	fixture := newStoreFixture(t, "token-1", "token-2", "token-3")
	ctx := context.Background()
	if err := fixture.users.SetRemoteFileID(ctx, "user-1", "deleted"); err != nil {
		t.Fatalf("seed file id: %v", err)
	}
	fixture.drive.names["file-9"] = DefaultFileName
	fixture.drive.files["file-9"] = []byte(`{"k":"v"}`)
	fixture.drive.rejected["token-2"] = true

	document, err := fixture.store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("expected relocation then token retry to succeed, got %v", err)
	}
	if string(document["k"]) != `"v"` {
		t.Fatalf("unexpected document %v", document)
	}
	if fixture.tokens.issued != 3 || fixture.tokens.invalidated != 1 {
		t.Fatalf("expected three tokens and one invalidation, got %d/%d", fixture.tokens.issued, fixture.tokens.invalidated)
	}
	record, _ := fixture.users.GetUser(ctx, "user-1")
	if record.RemoteFileID != "file-9" {
		t.Fatalf("expected relocated file id, got %q", record.RemoteFileID)
	}
}

func TestTokenRetryKeepsRelocationAvailable(t *testing.T) {
	fixture := newStoreFixture(t, "token-1", "token-2", "token-3")
	ctx := context.Background()
	if err := fixture.users.SetRemoteFileID(ctx, "user-1", "deleted"); err != nil {
		t.Fatalf("seed file id: %v", err)
	}
	fixture.drive.names["file-9"] = DefaultFileName
	fixture.drive.files["file-9"] = []byte(`{"k":"v"}`)
	fixture.drive.rejected["token-1"] = true

	document, err := fixture.store.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("expected token retry then relocation to succeed, got %v", err)
	}
	if string(document["k"]) != `"v"` {
		t.Fatalf("unexpected document %v", document)
	}
	if fixture.drive.finds != 1 || fixture.tokens.invalidated != 1 {
		t.Fatalf("expected one search and one invalidation, got %d/%d", fixture.drive.finds, fixture.tokens.invalidated)
	}
}

func TestSecondStaleFileIDIsReported(t *testing.T) {
	fixture := newStoreFixture(t)
	ctx := context.Background()
	if err := fixture.users.SetRemoteFileID(ctx, "user-1", "deleted"); err != nil {
		t.Fatalf("seed file id: %v", err)
	}
	fixture.drive.names["ghost"] = DefaultFileName

	_, err := fixture.store.Load(ctx, "user-1")
	var remoteErr *RemoteStoreError
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 remote store error, got %v", err)
	}
	if fixture.drive.downloads != 2 {
		t.Fatalf("expected a single relocation, got %d downloads", fixture.drive.downloads)
	}
}

func TestConcurrentFirstUseCreatesOneDocument(t *testing.T) {
	fixture := newStoreFixture(t)
	var group sync.WaitGroup
	ids := make([]string, 8)
	for index := range ids {
		index := index
		group.Add(1)
		go func() {
			defer group.Done()
			ids[index], _ = fixture.store.FileID(context.Background(), "user-1")
		}()
	}
	group.Wait()
	if fixture.drive.creates != 1 {
		t.Fatalf("expected exactly one create, got %d", fixture.drive.creates)
	}
	for _, id := range ids {
		if id != ids[0] || id == "" {
			t.Fatalf("expected identical file ids, got %v", ids)
		}
	}
}
