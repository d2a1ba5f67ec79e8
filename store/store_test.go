package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettingsStore struct {
	data map[string]interface{}
	fail bool
}

func newFakeSettingsStore() *fakeSettingsStore {
	return &fakeSettingsStore{data: make(map[string]interface{})}
}

func (f *fakeSettingsStore) SettingsGet(key string) (interface{}, bool) {
	v, ok := f.data[key]
	return v, ok
}

func (f *fakeSettingsStore) SettingsSet(key string, value interface{}) error {
	if f.fail {
		return assert.AnError
	}
	f.data[key] = value
	return nil
}

func (f *fakeSettingsStore) SettingsOnChange(cb func(key string)) {}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plat := newFakeSettingsStore()
	st, err := New(plat, filepath.Join(dir, "retry.db"), filepath.Join(dir, "backup.json"), nil)
	require.NoError(t, err)

	settings := DefaultSettings()
	settings.PowerLimitW = 7500

	require.NoError(t, st.Save(settings, PersistedState{}))

	loaded, _, ok := st.Load()
	require.True(t, ok)
	assert.Equal(t, float64(7500), loaded.PowerLimitW)
}

func TestLoadFallsBackToFileWhenPlatformEmpty(t *testing.T) {
	dir := t.TempDir()
	backupPath := filepath.Join(dir, "backup.json")

	writer, err := New(newFakeSettingsStore(), filepath.Join(dir, "retry.db"), backupPath, nil)
	require.NoError(t, err)
	settings := DefaultSettings()
	settings.PowerLimitW = 6000
	require.NoError(t, writer.Save(settings, PersistedState{}))

	// A fresh store with an empty platform settings store should fall back
	// to the file backup written above.
	reader, err := New(newFakeSettingsStore(), filepath.Join(dir, "retry2.db"), backupPath, nil)
	require.NoError(t, err)
	loaded, _, ok := reader.Load()
	require.True(t, ok)
	assert.Equal(t, float64(6000), loaded.PowerLimitW)
}

func TestSaveQueuesRetryOnPlatformFailure(t *testing.T) {
	dir := t.TempDir()
	plat := newFakeSettingsStore()
	plat.fail = true
	st, err := New(plat, filepath.Join(dir, "retry.db"), filepath.Join(dir, "backup.json"), nil)
	require.NoError(t, err)

	require.NoError(t, st.Save(DefaultSettings(), PersistedState{}))

	var count int64
	st.db.Model(&pendingWrite{}).Count(&count)
	assert.Equal(t, int64(1), count)

	plat.fail = false
	st.DrainRetryQueue()

	st.db.Model(&pendingWrite{}).Count(&count)
	assert.Equal(t, int64(0), count)
	_, ok := plat.SettingsGet(settingsKey)
	assert.True(t, ok)
}
