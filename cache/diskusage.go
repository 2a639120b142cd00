package cache

// DiskUsage reports free bytes available on the filesystem holding path.
// Cache accepts one via WithMinFreeDisk so trim-to-free-space is injectable
// and testable without touching a real filesystem. The package default,
// NoopDiskUsage, reports "unknown" and so never triggers free-space
// eviction; callers on a unix platform can opt into StatfsDiskUsage.
type DiskUsage func(path string) (freeBytes int64, ok bool)

// NoopDiskUsage never reports a free-space figure. It is the default so
// that free-disk-space trimming is opt-in.
func NoopDiskUsage(string) (int64, bool) { return 0, false }
