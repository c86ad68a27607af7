package sys

import "errors"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// LockFileName is the name of the lock file placed in a locked directory.
const LockFileName = "LOCK"
