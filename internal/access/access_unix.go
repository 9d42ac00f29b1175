//go:build !windows

package access

import (
	stderrors "errors"

	"golang.org/x/sys/unix"

	"github.com/hpungsan/tabkeep/internal/errors"
)

// osAccess asks the kernel whether the current user may use path in mode.
// The returned unix.Errno matches fs.ErrPermission and fs.ErrNotExist via errors.Is.
func osAccess(path string, mode Mode) error {
	bits := uint32(unix.R_OK)
	if mode == ModeReadWrite {
		bits |= unix.W_OK
	}
	return unix.Access(path, bits)
}

// createNoFollow creates path for writing. An existing file is refused
// unless overwrite is set, in which case it is truncated. O_NOFOLLOW refuses
// a symlink in the final component so a save never lands somewhere else.
func createNoFollow(path string, overwrite bool) error {
	flags := unix.O_WRONLY | unix.O_CREAT | unix.O_NOFOLLOW | unix.O_CLOEXEC
	if overwrite {
		flags |= unix.O_TRUNC
	} else {
		flags |= unix.O_EXCL
	}
	fd, err := unix.Open(path, flags, 0644)
	if err != nil {
		switch {
		case stderrors.Is(err, unix.ELOOP):
			return errors.NewInvalidRequest("cannot save through a symlink: " + path)
		case stderrors.Is(err, unix.EEXIST):
			return errors.NewInvalidRequest("file already exists: " + path)
		}
		return mapFSError(path, err)
	}
	return unix.Close(fd)
}
