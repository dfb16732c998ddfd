package page

import "errors"

// ErrCorruption marks on-disk state that cannot be trusted. Checksum failures
// wrap ErrChecksumMismatch instead.
var ErrCorruption = errors.New("data corruption detected")
