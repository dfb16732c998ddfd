package pagedb

import (
	"fmt"
	"time"

	"github.com/pelletier/go-toml"
)

// LoadOptions reads environment settings from a TOML file. Keys live under a
// [storage] table:
//
//	[storage]
//	page_size = 8192
//	max_storage_size = 1073741824
//	sync_mode = "bytes"          # every-commit, bytes, off
//	sync_bytes = 1048576
//	journal_file_size = 67108864
//	journal_compression = true
//	scratch_file_size = 4096
//	page_cache_size = 4096
//	max_readers = 126
//	flush_interval = "1s"
//	recently_found_cache = true
//	debug_validation = false
//
// Missing keys keep their defaults. sync_bytes on its own selects the "bytes"
// sync mode; combined with any other sync_mode it is an error.
func LoadOptions(path string) ([]Option, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}

	var opts []Option
	intKeys := map[string]func(int64) Option{
		"storage.page_size":         func(v int64) Option { return WithPageSize(int(v)) },
		"storage.max_storage_size":  WithMaxStorageSize,
		"storage.journal_file_size": WithJournalFileSize,
		"storage.scratch_file_size": func(v int64) Option { return WithScratchFileSize(int(v)) },
		"storage.page_cache_size":   func(v int64) Option { return WithPageCacheSize(int(v)) },
		"storage.max_readers":       func(v int64) Option { return WithMaxReaders(int(v)) },
	}
	for key, build := range intKeys {
		if !tree.Has(key) {
			continue
		}
		v, ok := tree.Get(key).(int64)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be an integer", path, key)
		}
		opts = append(opts, build(v))
	}

	boolKeys := map[string]func(bool) Option{
		"storage.journal_compression":  WithJournalCompression,
		"storage.recently_found_cache": WithRecentlyFoundCache,
		"storage.debug_validation":     WithDebugValidation,
	}
	for key, build := range boolKeys {
		if !tree.Has(key) {
			continue
		}
		v, ok := tree.Get(key).(bool)
		if !ok {
			return nil, fmt.Errorf("%s: %s must be a boolean", path, key)
		}
		opts = append(opts, build(v))
	}

	syncBytes := DefaultOptions().syncBytes
	if tree.Has("storage.sync_bytes") {
		v, ok := tree.Get("storage.sync_bytes").(int64)
		if !ok {
			return nil, fmt.Errorf("%s: storage.sync_bytes must be an integer", path)
		}
		syncBytes = v
	}
	mode, _ := tree.Get("storage.sync_mode").(string)
	switch {
	case !tree.Has("storage.sync_mode") && tree.Has("storage.sync_bytes"):
		opts = append(opts, WithSyncBytes(syncBytes))
	case !tree.Has("storage.sync_mode"):
	case mode == "bytes":
		opts = append(opts, WithSyncBytes(syncBytes))
	case tree.Has("storage.sync_bytes"):
		return nil, fmt.Errorf("%s: sync_bytes requires sync_mode = \"bytes\", got %q", path, mode)
	case mode == "every-commit":
		opts = append(opts, WithSyncEveryCommit())
	case mode == "off":
		opts = append(opts, WithSyncOff())
	default:
		return nil, fmt.Errorf("%s: unknown sync_mode %q", path, mode)
	}

	if tree.Has("storage.flush_interval") {
		s, _ := tree.Get("storage.flush_interval").(string)
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%s: flush_interval: %w", path, err)
		}
		opts = append(opts, WithFlushInterval(d))
	}

	return opts, nil
}
