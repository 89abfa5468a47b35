package backup

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// lockLog acquires a blocking exclusive OS-level lock on fd, per spec §5:
// every open blocks until it can exclude all other openers of the same log.
// There is a single reader/writer role (exclusive) because the only nominal
// concurrent reader (restore) is rare enough that uniform exclusion is
// simpler and still correct.
func lockLog(fd int) error {
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("%w: %s", ErrLocked, err)
	}
	return nil
}

// tryLockLog acquires the lock without blocking, returning ErrLocked
// immediately if another process holds it. Exposed for tests that need to
// observe contention (spec §8 property 5) without a second process.
func tryLockLog(fd int) error {
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("%w: %s", ErrLocked, err)
	}
	return nil
}

// unlockLog releases a lock acquired by lockLog/tryLockLog. Close is
// idempotent (spec §5), so callers should tolerate calling this on an
// already-closed fd by ignoring the error.
func unlockLog(fd int) error {
	return unix.Flock(fd, unix.LOCK_UN)
}

// dupUnix duplicates fd so the codec layer can own and close its own
// descriptor (spec §9 "duplicate fd" resource rule) without disturbing the
// backup's own open file or its lock, which is associated with the
// original descriptor's file table entry, not the duplicate.
func dupUnix(fd int) (int, error) {
	return unix.Dup(fd)
}
