package cache

import (
	"crypto/md5" //nolint:gosec // content-addressing file names, not a security boundary
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// FileNamer synthesizes the external file name a Cache writes to data/ when
// a value exceeds the inline threshold and the caller supplied none of its
// own.
type FileNamer func(key string) string

// MD5FileNamer is the default FileNamer: the hex MD5 digest of the key,
// matching the source's file-naming scheme.
func MD5FileNamer(key string) string {
	sum := md5.Sum([]byte(key)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// Blake3FileNamer is an alternate FileNamer for callers who want a
// collision-resistant name without MD5's cryptographic baggage.
func Blake3FileNamer(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
