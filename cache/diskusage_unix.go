//go:build unix

package cache

import "golang.org/x/sys/unix"

// StatfsDiskUsage is a DiskUsage backed by unix.Statfs, reporting bytes
// available to an unprivileged process on the filesystem holding path.
func StatfsDiskUsage(path string) (int64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, false
	}
	return int64(st.Bavail) * int64(st.Bsize), true
}
