package pagedb

import (
	"errors"

	"pagedb/internal/journal"
	"pagedb/internal/page"
	"pagedb/internal/readslots"
	"pagedb/internal/scratch"
	"pagedb/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrEnvClosed     = errors.New("environment is closed")
	ErrEnvFailed     = errors.New("environment failed and must be reopened")
	ErrKeyEmpty      = errors.New("key cannot be empty")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	ErrNotLeafPage   = errors.New("expected a leaf page")

	ErrTxNotWritable         = errors.New("transaction is read-only")
	ErrTxCommitted           = errors.New("transaction has already been committed")
	ErrTxRolledBack          = errors.New("transaction has already been rolled back")
	ErrAsyncCommitReadTx     = errors.New("async commit requires a write transaction")
	ErrAsyncCommitInProgress = errors.New("an async commit is already in flight")
	ErrPageNotDirty          = errors.New("page is not modified by this transaction")

	ErrDirectAddInProgress = errors.New("a direct add scope is already open on this tree")
	ErrCompressedPage      = errors.New("page is compressed and must be decompressed first")
	ErrIteratorInvalidated = errors.New("tree was modified during iteration")
	ErrNotMultiValue       = errors.New("key does not hold a multi-value set")
	ErrMultiValueKey       = errors.New("key holds a multi-value set")
	ErrValueNotInt64       = errors.New("value is not an 8 byte integer")

	ErrTreeNotFound    = errors.New("tree not found")
	ErrTreeNameEmpty   = errors.New("tree name cannot be empty")
	ErrTreeFlagsDiffer = errors.New("tree exists with different flags")

	ErrCorruption       = page.ErrCorruption
	ErrChecksumMismatch = page.ErrChecksumMismatch
	ErrInvalidPageSize  = page.ErrInvalidPageSize
	ErrTooManyReaders   = readslots.ErrTooManyReaders
	ErrLocked           = storage.ErrLocked
	ErrPageSizeMismatch = storage.ErrPageSizeMismatch
	ErrJournalClosed    = journal.ErrClosed
	ErrInvalidScratch   = scratch.ErrInvalidRef
)
