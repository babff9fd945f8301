package identity

import (
	"fmt"
	"os"
	"syscall"
)

// keyFromFileInfo extracts the (device, inode) pair spec §4.2 requires
// for Identity equality.
func keyFromFileInfo(fi os.FileInfo) (Key, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Key{}, fmt.Errorf("unsupported FileInfo.Sys() type %T", fi.Sys())
	}
	return Key{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}
