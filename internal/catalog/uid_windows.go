//go:build windows

package catalog

import "os"

// Windows file-index lookup needs an open handle (GetFileInformationByHandle),
// which the scanner avoids holding per entry. Identity falls back to the
// normalized path; rename detection is therefore weak on Windows.
func probeNativeUID(info os.FileInfo) (UID, bool) {
	return UID{}, false
}
