package nookstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mutex         sync.Mutex
	document      Document
	rejectLeft    int
	saveStatus    int
	authenticated bool
	loads         int
	saves         int
	logouts       int
}

func (server *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(sessionPath, func(writer http.ResponseWriter, request *http.Request) {
		server.mutex.Lock()
		authenticated := server.authenticated
		server.mutex.Unlock()
		if !authenticated {
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = writer.Write([]byte(`{"authenticated":true,"user":{"id":"user-1","email":"ada@example.com","name":"Ada"}}`))
	})
	mux.HandleFunc(logoutPath, func(writer http.ResponseWriter, request *http.Request) {
		server.mutex.Lock()
		server.logouts++
		server.mutex.Unlock()
		writer.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(documentPath, func(writer http.ResponseWriter, request *http.Request) {
		server.mutex.Lock()
		defer server.mutex.Unlock()
		if server.rejectLeft > 0 {
			server.rejectLeft--
			writer.WriteHeader(http.StatusUnauthorized)
			_, _ = writer.Write([]byte(`{"error":"drive_auth_expired"}`))
			return
		}
		switch request.Method {
		case http.MethodGet:
			server.loads++
			if server.document == nil {
				_, _ = writer.Write([]byte(`{}`))
				return
			}
			_ = json.NewEncoder(writer).Encode(server.document)
		case http.MethodPost:
			server.saves++
			if server.saveStatus != 0 {
				writer.WriteHeader(server.saveStatus)
				_, _ = writer.Write([]byte(`{"error":"drive_unavailable"}`))
				return
			}
			body, _ := io.ReadAll(request.Body)
			var document Document
			if err := json.Unmarshal(body, &document); err != nil {
				t.Errorf("save body is not a JSON object: %v", err)
				writer.WriteHeader(http.StatusBadRequest)
				return
			}
			server.document = document
			_, _ = writer.Write([]byte(`{"ok":true}`))
		}
	})
	return mux
}

func (server *fakeServer) setAuthenticated(authenticated bool) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.authenticated = authenticated
}

func (server *fakeServer) logoutCount() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.logouts
}

func (server *fakeServer) snapshot() (Document, int, int) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return cloneDocument(server.document), server.loads, server.saves
}

func newRemoteFixture(t *testing.T, server *fakeServer, configure func(*RemoteConfig)) *RemoteStore {
	t.Helper()
	httpServer := httptest.NewServer(server.handler(t))
	t.Cleanup(httpServer.Close)
	configuration := RemoteConfig{BaseURL: httpServer.URL + "/", SaveDelay: time.Hour}
	if configure != nil {
		configure(&configuration)
	}
	store, err := NewRemoteStore(configuration)
	require.NoError(t, err)
	return store
}

func TestNewRemoteStoreRequiresBaseURL(t *testing.T) {
	_, err := NewRemoteStore(RemoteConfig{BaseURL: " "})
	require.ErrorIs(t, err, errMissingBaseURL)
}

func TestRemoteStoreRestoreSession(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{}
	store := newRemoteFixture(t, server, nil)

	restored, err := store.RestoreSession(ctx)
	require.NoError(t, err)
	require.False(t, restored)
	require.Nil(t, store.User())

	server.setAuthenticated(true)
	restored, err = store.RestoreSession(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	require.Equal(t, "ada@example.com", store.User().Email)
	require.Contains(t, store.ConnectURL(), startPath)
}

func TestRemoteStoreLoadsOnceAndCaches(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{document: Document{"focusnook-notes": raw(`"remote"`)}}
	store := newRemoteFixture(t, server, nil)

	value, err := store.Get(ctx, "focusnook-notes")
	require.NoError(t, err)
	require.JSONEq(t, `"remote"`, string(value))
	_, err = store.Get(ctx, "focusnook-todos")
	require.NoError(t, err)

	_, loads, _ := server.snapshot()
	require.Equal(t, 1, loads)
}

func TestRemoteStoreSetMergesIntoLoadedDocument(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{document: Document{"focusnook-notes": raw(`"remote"`)}}
	store := newRemoteFixture(t, server, nil)

	require.NoError(t, store.Set(ctx, "focusnook-todos", raw(`[1]`)))
	require.NoError(t, store.Flush(ctx))

	document, loads, saves := server.snapshot()
	require.Equal(t, 1, loads)
	require.Equal(t, 1, saves)
	require.JSONEq(t, `"remote"`, string(document["focusnook-notes"]))
	require.JSONEq(t, `[1]`, string(document["focusnook-todos"]))
}

func TestRemoteStoreBatchAndReplace(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{document: Document{"a": raw(`1`)}}
	store := newRemoteFixture(t, server, nil)

	require.NoError(t, store.SetAll(ctx, Document{"b": raw(`2`)}))
	document, _, _ := server.snapshot()
	require.Len(t, document, 2)

	require.NoError(t, store.Remove(ctx, "a"))
	document, _, _ = server.snapshot()
	require.Equal(t, Document{"b": raw(`2`)}, document)

	require.NoError(t, store.ReplaceAll(ctx, Document{"c": raw(`3`)}))
	document, _, _ = server.snapshot()
	require.Equal(t, Document{"c": raw(`3`)}, document)

	picked, err := store.GetAll(ctx, []string{"a", "c"})
	require.NoError(t, err)
	require.Equal(t, Document{"c": raw(`3`)}, picked)
}

func TestRemoteStoreRetriesOnceOnAuthFailure(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{document: Document{"a": raw(`1`)}, rejectLeft: 1}
	store := newRemoteFixture(t, server, nil)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, Document{"a": raw(`1`)}, loaded)
}

func TestRemoteStoreSecondAuthFailureNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{rejectLeft: 4}
	var notified atomic.Int32
	store := newRemoteFixture(t, server, func(configuration *RemoteConfig) {
		configuration.OnAuthRequired = func() { notified.Add(1) }
	})

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrAuthRequired)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, http.StatusUnauthorized, authErr.Status)

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrAuthRequired)
	require.Eventually(t, func() bool { return notified.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), notified.Load())

	server.setAuthenticated(true)
	restored, err := store.RestoreSession(ctx)
	require.NoError(t, err)
	require.True(t, restored)
	server.mutex.Lock()
	server.rejectLeft = 2
	server.mutex.Unlock()
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrAuthRequired)
	require.Eventually(t, func() bool { return notified.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRemoteStoreSaveFailureIsResponseError(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{saveStatus: http.StatusBadGateway}
	store := newRemoteFixture(t, server, nil)

	err := store.ReplaceAll(ctx, Document{"a": raw(`1`)})
	var responseErr *ResponseError
	require.ErrorAs(t, err, &responseErr)
	require.Equal(t, http.StatusBadGateway, responseErr.Status)
	require.Equal(t, "save", responseErr.Op)
	require.NotErrorIs(t, err, ErrAuthRequired)
}

func TestRemoteStoreDebouncedSaveReportsErrors(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{saveStatus: http.StatusBadGateway}
	failures := make(chan error, 1)
	store := newRemoteFixture(t, server, func(configuration *RemoteConfig) {
		configuration.SaveDelay = 10 * time.Millisecond
		configuration.OnSaveError = func(err error) { failures <- err }
	})

	require.NoError(t, store.Set(ctx, "a", raw(`1`)))
	select {
	case err := <-failures:
		var responseErr *ResponseError
		require.ErrorAs(t, err, &responseErr)
	case <-time.After(time.Second):
		t.Fatal("debounced save did not report failure")
	}
}

func TestRemoteStoreDisconnectForgetsCache(t *testing.T) {
	ctx := context.Background()
	server := &fakeServer{document: Document{"a": raw(`1`)}, authenticated: true}
	store := newRemoteFixture(t, server, nil)
	_, err := store.RestoreSession(ctx)
	require.NoError(t, err)
	_, err = store.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Disconnect(ctx))
	require.Nil(t, store.User())
	require.Equal(t, 1, server.logoutCount())

	require.NoError(t, store.Flush(ctx))
	_, _, saves := server.snapshot()
	require.Equal(t, 0, saves)
}
