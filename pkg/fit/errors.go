package fit

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Error kinds surfaced by the loader. Every error returned from this package
// wraps one of these, and each kind wraps the matching errdefs sentinel, so
// callers can classify failures with errors.Is at either granularity.
var (
	ErrNodeNotFound    = fmt.Errorf("node not found: %w", errdefs.ErrNotFound)
	ErrPropertyMissing = fmt.Errorf("property missing: %w", errdefs.ErrNotFound)
	ErrMalformed       = fmt.Errorf("malformed image tree: %w", errdefs.ErrInvalidArgument)
	ErrIndexRange      = fmt.Errorf("selection index out of range: %w", errdefs.ErrOutOfRange)
	ErrNoConfig        = fmt.Errorf("no matching configuration: %w", errdefs.ErrNotFound)
	ErrNoFirmware      = fmt.Errorf("no firmware image: %w", errdefs.ErrNotFound)
	ErrNoDescription   = fmt.Errorf("no hardware description image: %w", errdefs.ErrNotFound)
	ErrShortRead       = fmt.Errorf("short storage read: %w", errdefs.ErrUnavailable)
)
