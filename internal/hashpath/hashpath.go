// Package hashpath provides the stateless filename-hashing and validation
// utilities shared by the local inventory walker, the downloader, and the
// archive mover. Keeping them here (rather than duplicated, or hung off a
// shared mutable type) avoids the cyclic dependency those three components
// would otherwise have on each other.
package hashpath

import (
	"crypto/md5" //nolint:gosec // content-addressing scheme, not a security boundary
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// AllowedExtensions is the fixed allow-list of media/document extensions a
// filename must end with to be considered a valid media file.
var AllowedExtensions = map[string]bool{
	"ai": true, "aif": true, "aiff": true, "avi": true, "dia": true,
	"djvu": true, "doc": true, "dv": true, "eps": true, "gif": true,
	"indd": true, "inx": true, "jpg": true, "jpeg": true, "mid": true,
	"mov": true, "odg": true, "odp": true, "ods": true, "odt": true,
	"ogg": true, "ogv": true, "omniplan": true, "otf": true, "ott": true,
	"pdf": true, "png": true, "ppd": true, "ppt": true, "psd": true,
	"stl": true, "svg": true, "wff2": true, "webp": true, "wmv": true,
	"woff": true, "xcf": true, "xml": true, "zip": true,
}

// ErrInvalidFilename is returned by Sanity when a filename fails the gate:
// not valid UTF-8, contains a path separator, or lacks an allowed extension.
var ErrInvalidFilename = errors.New("hashpath: invalid filename")

// Sanity reports whether filename passes the downloader's sanity gate (spec
// §4.7): valid UTF-8, no '/' or the OS path separator, and an allowed
// extension. It never consults the filesystem.
func Sanity(filename string) error {
	if filename == "" {
		return ErrInvalidFilename
	}

	if !utf8.ValidString(filename) {
		return ErrInvalidFilename
	}

	if strings.ContainsRune(filename, '/') || strings.ContainsRune(filename, os.PathSeparator) {
		return ErrInvalidFilename
	}

	ext := extensionOf(filename)
	if ext == "" || !AllowedExtensions[strings.ToLower(ext)] {
		return ErrInvalidFilename
	}

	return nil
}

// extensionOf returns the substring after the final '.', or "" if filename
// has no extension (no dot, or the dot is the last character).
func extensionOf(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 || idx == len(filename)-1 {
		return ""
	}

	return filename[idx+1:]
}

// Two is the two-level MD5 hash-path partition for filename's raw bytes:
// the first hex digit, then the first two hex digits, e.g. "a", "a3" for a
// digest starting 0xa3.... It is used verbatim (not percent-encoded, not
// normalized): the canonical storage path is defined over the raw filename
// bytes.
func Two(filename string) (h1, h1h2 string) {
	sum := md5.Sum([]byte(filename)) //nolint:gosec // content-addressing, not a security boundary
	hexSum := hex.EncodeToString(sum[:])

	return hexSum[0:1], hexSum[0:2]
}

// StoragePath builds the canonical on-disk path for filename under root,
// partitioned by projecttype/langcode and the two-level hash path:
// <root>/<projecttype>/<langcode>/<h1>/<h1h2>/<filename>.
func StoragePath(root, projecttype, langcode, filename string) string {
	h1, h1h2 := Two(filename)

	return filepath.Join(root, projecttype, langcode, h1, h1h2, filename)
}
