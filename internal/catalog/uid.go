// Package catalog implements workspace-scoped file discovery: scanning
// sources, computing stable file UIDs, rename-safe upserts and tag
// assignment from glob rules.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"casparian/internal/store"
)

// FileUID encoding prefixes. The encoded string plus the workspace id is the
// primary identity of a catalog row.
//
//	unix:<dev>:<ino>            POSIX device+inode (strong)
//	win:<volume>:<index>        Windows volume+file-index (strong)
//	s3v:<bucket>:<version>      S3 with versioning enabled (strong)
//	s3e:<bucket>:<etag>:<size>  S3 without versioning (weak)
//	path:<normalized>           fallback when the OS gives nothing stable (weak)
type UID struct {
	Value    string
	Strength store.UIDStrength
}

// UnixUID encodes a device+inode pair.
func UnixUID(dev, ino uint64) UID {
	return UID{Value: fmt.Sprintf("unix:%d:%d", dev, ino), Strength: store.UIDStrong}
}

// WindowsUID encodes a volume serial + file index pair.
func WindowsUID(volume, index uint64) UID {
	return UID{Value: fmt.Sprintf("win:%d:%d", volume, index), Strength: store.UIDStrong}
}

// S3VersionUID encodes an object with a version id (strong).
func S3VersionUID(bucket, versionID string) UID {
	return UID{Value: fmt.Sprintf("s3v:%s:%s", bucket, versionID), Strength: store.UIDStrong}
}

// S3ETagUID encodes an object by ETag and size (weak; ETags can collide
// across multipart boundaries).
func S3ETagUID(bucket, etag string, size int64) UID {
	return UID{Value: fmt.Sprintf("s3e:%s:%s:%d", bucket, etag, size), Strength: store.UIDWeak}
}

// PathUID is the last-resort identity: the normalized absolute path.
func PathUID(absPath string) UID {
	return UID{Value: "path:" + NormalizePath(absPath), Strength: store.UIDWeak}
}

// NormalizePath lower-cases the path on case-insensitive conventions and
// forces forward slashes so weak UIDs compare identically across mounts.
func NormalizePath(p string) string {
	return strings.ToLower(filepath.ToSlash(filepath.Clean(p)))
}

// ProbeUID computes the strongest available UID for a local file. On POSIX
// it reads (device, inode) from the stat result; anywhere that fails the
// normalized path is used with weak strength.
func ProbeUID(absPath string, info os.FileInfo) UID {
	if uid, ok := probeNativeUID(info); ok {
		return uid
	}
	return PathUID(absPath)
}
