package pagedb

import (
	"time"

	"pagedb/internal/page"
)

// SyncMode controls when journal writes are fsynced to disk.
type SyncMode int

const (
	// SyncEveryCommit fsyncs the journal on every commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when at least N bytes have been appended to the
	// journal since the last fsync.
	// - Some data loss possible on crash (up to N bytes of records)
	SyncBytes

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - All unflushed data lost on crash
	SyncOff
)

func (m SyncMode) String() string {
	switch m {
	case SyncEveryCommit:
		return "every-commit"
	case SyncBytes:
		return "bytes"
	case SyncOff:
		return "off"
	default:
		return "unknown"
	}
}

// Options configures an environment.
type Options struct {
	pageSize           int
	maxStorageSize     int64 // bytes, 0 means no quota
	syncMode           SyncMode
	syncBytes          int64
	journalFileSize    int64
	journalCompression bool
	scratchFilePages   int
	pageCacheSize      int // pages, 0 disables the cache
	maxReaders         int
	flushInterval      time.Duration
	recentlyFound      bool
	debugValidation    bool
	logger             Logger
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		pageSize:           page.DefaultSize,
		syncMode:           SyncEveryCommit,
		syncBytes:          1024 * 1024, // 1MB
		journalFileSize:    64 * 1024 * 1024,
		journalCompression: true,
		scratchFilePages:   4096,
		pageCacheSize:      4096,
		maxReaders:         126,
		flushInterval:      time.Second,
		recentlyFound:      true,
		logger:             DiscardLogger{},
	}
}

// Option configures environment options using the functional options pattern.
type Option func(*Options)

// WithPageSize sets the page size. It must be a power of two between 4KB and
// 32KB and match the page size of an existing data file.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageSize(size int) Option {
	return func(opts *Options) {
		opts.pageSize = size
	}
}

// WithMaxStorageSize caps the data file. Allocations past the cap fail with
// ErrQuotaExceeded.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxStorageSize(bytes int64) Option {
	return func(opts *Options) {
		opts.maxStorageSize = bytes
	}
}

// WithSyncEveryCommit fsyncs the journal on every commit.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() Option {
	return func(opts *Options) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncBytes fsyncs the journal once n bytes accumulated.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(n int64) Option {
	return func(opts *Options) {
		opts.syncMode = SyncBytes
		opts.syncBytes = n
	}
}

// WithSyncOff disables fsync entirely. Only use for testing or bulk loads
// where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() Option {
	return func(opts *Options) {
		opts.syncMode = SyncOff
	}
}

// WithJournalFileSize sets the size after which a new journal file is started.
//
//goland:noinspection GoUnusedExportedFunction
func WithJournalFileSize(bytes int64) Option {
	return func(opts *Options) {
		opts.journalFileSize = bytes
	}
}

// WithJournalCompression toggles lz4 compression of journal records.
//
//goland:noinspection GoUnusedExportedFunction
func WithJournalCompression(enabled bool) Option {
	return func(opts *Options) {
		opts.journalCompression = enabled
	}
}

// WithScratchFileSize sets how many pages each scratch arena holds.
//
//goland:noinspection GoUnusedExportedFunction
func WithScratchFileSize(pages int) Option {
	return func(opts *Options) {
		opts.scratchFilePages = pages
	}
}

// WithPageCacheSize sets how many validated data file pages are cached. Zero
// disables the cache.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageCacheSize(pages int) Option {
	return func(opts *Options) {
		opts.pageCacheSize = pages
	}
}

// WithMaxReaders bounds the number of concurrent read transactions.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxReaders(n int) Option {
	return func(opts *Options) {
		opts.maxReaders = n
	}
}

// WithFlushInterval sets how often the journal is flushed into the data file
// in the background. Zero disables the background flusher.
//
//goland:noinspection GoUnusedExportedFunction
func WithFlushInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.flushInterval = d
	}
}

// WithRecentlyFoundCache toggles the per-tree cache of recently found leaf
// pages.
//
//goland:noinspection GoUnusedExportedFunction
func WithRecentlyFoundCache(enabled bool) Option {
	return func(opts *Options) {
		opts.recentlyFound = enabled
	}
}

// WithDebugValidation validates dirty pages and tree structure on every
// commit.
//
//goland:noinspection GoUnusedExportedFunction
func WithDebugValidation(enabled bool) Option {
	return func(opts *Options) {
		opts.debugValidation = enabled
	}
}

// WithLogger sets the logger. slog.Logger and the adapters in the logger
// package satisfy Logger.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.logger = l
		}
	}
}
