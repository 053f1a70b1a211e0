package nookstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	testCases := []struct {
		input string
		want  Kind
	}{
		{input: "", want: KindLocal},
		{input: "local", want: KindLocal},
		{input: "localfile", want: KindLocalFile},
		{input: "gdrive", want: KindRemote},
	}
	for _, testCase := range testCases {
		kind, err := ParseKind(testCase.input)
		require.NoError(t, err)
		assert.Equal(t, testCase.want, kind)
	}
	_, err := ParseKind("dropbox")
	require.Error(t, err)
}

func TestStorageDelegatesToLocalStore(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore(openTestDatabase(t))
	storage := NewStorage(local, nil)
	require.Equal(t, KindLocal, storage.Kind())

	value, err := storage.Get(ctx, "focusnook-todos")
	require.NoError(t, err)
	require.Nil(t, value)

	require.NoError(t, storage.Set(ctx, "focusnook-todos", raw(`[{"id":1}]`)))
	value, err = storage.Get(ctx, "focusnook-todos")
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":1}]`, string(value))

	require.NoError(t, storage.Remove(ctx, "focusnook-todos"))
	value, err = storage.Get(ctx, "focusnook-todos")
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestStorageBatchFallbackOmitsAbsentKeys(t *testing.T) {
	ctx := context.Background()
	storage := NewStorage(NewLocalStore(openTestDatabase(t)), nil)

	require.NoError(t, storage.SetAll(ctx, Document{
		"focusnook-notes":    raw(`"draft"`),
		"focusnook-settings": raw(`{"theme":"dark"}`),
		"focusnook-music":    raw(`null`),
	}))

	all, err := storage.GetAll(ctx, []string{"focusnook-notes", "focusnook-settings", "focusnook-music", "focusnook-events"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.JSONEq(t, `"draft"`, string(all["focusnook-notes"]))
	require.JSONEq(t, `{"theme":"dark"}`, string(all["focusnook-settings"]))
}

func TestStorageTypedHelpers(t *testing.T) {
	ctx := context.Background()
	storage := NewStorage(NewLocalStore(openTestDatabase(t)), nil)

	type settings struct {
		Theme string `json:"theme"`
	}
	var loaded settings
	found, err := storage.GetInto(ctx, "focusnook-settings", &loaded)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, storage.SetValue(ctx, "focusnook-settings", settings{Theme: "forest"}))
	found, err = storage.GetInto(ctx, "focusnook-settings", &loaded)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "forest", loaded.Theme)
}

func TestStorageSetAdapterSwitchesWithoutMovingData(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	local := NewLocalStore(db)
	storage := NewStorage(local, nil)
	require.NoError(t, storage.Set(ctx, "focusnook-notes", raw(`"kept locally"`)))

	handle := &memoryHandle{name: "data.json", ref: "ref-1", permission: PermissionGranted}
	file := NewLocalFileStore(LocalFileConfig{Picker: newMemoryPicker(handle), Handles: NewHandleStore(db)})
	_, err := file.Connect(ctx, ConnectCreateOrSelect)
	require.NoError(t, err)

	storage.SetAdapter(file)
	require.Equal(t, KindLocalFile, storage.Kind())
	value, err := storage.Get(ctx, "focusnook-notes")
	require.NoError(t, err)
	require.Nil(t, value)

	storage.SetAdapter(nil)
	require.Equal(t, KindLocalFile, storage.Kind())
}

func TestLocalStoreReadsRawStringsAsJSONStrings(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	store := NewLocalStore(db)
	require.NoError(t, db.Create(&localEntryModel{Key: "focusnook-current-space", Value: "space-forest", UpdatedUnix: 1}).Error)

	value, err := store.Get(ctx, "focusnook-current-space")
	require.NoError(t, err)
	require.JSONEq(t, `"space-forest"`, string(value))
}

func TestLocalStoreStoragePreference(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(openTestDatabase(t))

	kind, err := store.StoragePreference(ctx)
	require.NoError(t, err)
	require.Equal(t, KindLocal, kind)

	require.NoError(t, store.SetStoragePreference(ctx, KindRemote))
	kind, err = store.StoragePreference(ctx)
	require.NoError(t, err)
	require.Equal(t, KindRemote, kind)

	require.NoError(t, store.SetStoragePreference(ctx, KindLocal))
	value, err := store.Get(ctx, StorageTypeKey)
	require.NoError(t, err)
	require.Nil(t, value)
}

func TestOpenLocalDatabaseRejectsEmptyPath(t *testing.T) {
	_, err := OpenLocalDatabase(context.Background(), "  ")
	require.ErrorIs(t, err, errEmptyLocalPath)
}
