package pagedb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagedb.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func loadConfig(t *testing.T, body string) (Options, error) {
	t.Helper()
	opts, err := LoadOptions(writeConfig(t, body))
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o, err
}

func TestLoadOptions(t *testing.T) {
	t.Parallel()

	o, err := loadConfig(t, `
[storage]
page_size = 4096
max_storage_size = 1048576
sync_mode = "bytes"
sync_bytes = 4096
journal_file_size = 2097152
journal_compression = false
scratch_file_size = 128
page_cache_size = 0
max_readers = 8
flush_interval = "250ms"
recently_found_cache = false
debug_validation = true
`)
	require.NoError(t, err)
	assert.Equal(t, 4096, o.pageSize)
	assert.Equal(t, int64(1048576), o.maxStorageSize)
	assert.Equal(t, SyncBytes, o.syncMode)
	assert.Equal(t, int64(4096), o.syncBytes)
	assert.Equal(t, int64(2097152), o.journalFileSize)
	assert.False(t, o.journalCompression)
	assert.Equal(t, 128, o.scratchFilePages)
	assert.Zero(t, o.pageCacheSize)
	assert.Equal(t, 8, o.maxReaders)
	assert.Equal(t, 250*time.Millisecond, o.flushInterval)
	assert.False(t, o.recentlyFound)
	assert.True(t, o.debugValidation)
}

func TestLoadOptionsKeepsDefaults(t *testing.T) {
	t.Parallel()

	o, err := loadConfig(t, "[storage]\nsync_mode = \"off\"\n")
	require.NoError(t, err)
	def := DefaultOptions()
	assert.Equal(t, SyncOff, o.syncMode)
	assert.Equal(t, def.pageSize, o.pageSize)
	assert.Equal(t, def.maxReaders, o.maxReaders)
	assert.Equal(t, def.flushInterval, o.flushInterval)

	o, err = loadConfig(t, "[storage]\nsync_mode = \"bytes\"\n")
	require.NoError(t, err)
	assert.Equal(t, SyncBytes, o.syncMode)
	assert.Equal(t, def.syncBytes, o.syncBytes)

	o, err = loadConfig(t, "[storage]\nsync_bytes = 65536\n")
	require.NoError(t, err)
	assert.Equal(t, SyncBytes, o.syncMode, "sync_bytes alone selects the bytes mode")
	assert.Equal(t, int64(65536), o.syncBytes)
}

func TestLoadOptionsErrors(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"unknown sync mode":  "[storage]\nsync_mode = \"sometimes\"\n",
		"string page size":   "[storage]\npage_size = \"big\"\n",
		"int boolean":        "[storage]\ndebug_validation = 1\n",
		"bad duration":       "[storage]\nflush_interval = \"soon\"\n",
		"not toml":           "[storage\n",
		"sync bytes and off": "[storage]\nsync_mode = \"off\"\nsync_bytes = 4096\n",
		"string sync bytes":  "[storage]\nsync_bytes = \"lots\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadOptions(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestOpenWithLoadedOptions(t *testing.T) {
	t.Parallel()

	opts, err := LoadOptions(writeConfig(t, "[storage]\npage_size = 4096\nflush_interval = \"0s\"\nsync_mode = \"off\"\n"))
	require.NoError(t, err)
	env, err := Open(t.TempDir(), opts...)
	require.NoError(t, err)
	defer func() { require.NoError(t, env.Close()) }()
	assert.Equal(t, 4096, env.PageSize())
}
