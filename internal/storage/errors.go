package storage

import "github.com/jnarwell/trellis/internal/kernelerr"

// IsVersionConflict reports whether err is a VersionConflict from a failed
// optimistic-locked update, the signal callers retry on.
func IsVersionConflict(err error) bool {
	return kernelerr.KindOf(err) == kernelerr.VersionConflict
}
