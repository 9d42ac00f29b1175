//go:build windows

package access

import (
	"os"

	"github.com/hpungsan/tabkeep/internal/errors"
)

// osAccess approximates an access check on Windows by opening the file.
func osAccess(path string, mode Mode) error {
	flag := os.O_RDONLY
	if mode == ModeReadWrite {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		flag = os.O_WRONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return err
	}
	return f.Close()
}

// createNoFollow creates path for writing. An existing file is refused
// unless overwrite is set. Windows has no O_NOFOLLOW, so an existing symlink
// is rejected up front.
func createNoFollow(path string, overwrite bool) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("cannot save through a symlink: " + path)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.NewInvalidRequest("file already exists: " + path)
		}
		return mapFSError(path, err)
	}
	return f.Close()
}
