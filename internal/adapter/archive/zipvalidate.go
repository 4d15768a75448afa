// Package archive validates untrusted uploaded zip archives and packs them,
// alongside the worker's credential envelope, into the tar bundle format the
// Secret Store persists and the worker sidecar unpacks.
package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// unixSymlinkType is the upper 16 bits of a zip external attribute
// identifying a Unix symlink (S_IFLNK, octal 0120000).
const unixFileTypeMask = 0o170000
const unixSymlinkType = 0o120000

// ValidationOptions bounds an acceptable upload.
type ValidationOptions struct {
	MaxFiles        int
	MaxUncompressed int64
	MaxRatio        int
	RequireSolidity bool
}

// ErrInvalidZip is wrapped by every rejection this package produces.
var ErrInvalidZip = errors.New("invalid zip upload")

// ValidateUploadZip scans r (size bytes long) against opts, rejecting path
// traversal, symlinks, oversized or over-ratio archives, and archives
// missing the required Solidity sources.
func ValidateUploadZip(r io.ReaderAt, size int64, opts ValidationOptions) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidZip, err)
	}

	var totalUncompressed int64
	var fileCount int
	var hasSolidity bool

	for _, f := range zr.File {
		name := f.Name
		if strings.HasSuffix(name, "/") {
			continue
		}

		fileCount++
		if fileCount > opts.MaxFiles {
			return fmt.Errorf("%w: too many files (>%d)", ErrInvalidZip, opts.MaxFiles)
		}

		if err := ensureSafeName(name); err != nil {
			return err
		}

		if isSymlink(f) {
			return fmt.Errorf("%w: symlinks are not allowed", ErrInvalidZip)
		}

		totalUncompressed += int64(f.UncompressedSize64)
		if totalUncompressed > opts.MaxUncompressed {
			return fmt.Errorf("%w: uncompressed size too large (>%d bytes)", ErrInvalidZip, opts.MaxUncompressed)
		}

		if opts.RequireSolidity && strings.HasSuffix(strings.ToLower(name), ".sol") {
			hasSolidity = true
		}
	}

	if opts.MaxRatio > 0 && size > 0 {
		ratio := float64(totalUncompressed) / float64(size)
		if ratio > float64(opts.MaxRatio) {
			return fmt.Errorf("%w: compression ratio too high (%.1f > %d)", ErrInvalidZip, ratio, opts.MaxRatio)
		}
	}

	if opts.RequireSolidity && !hasSolidity {
		return fmt.Errorf("%w: zip does not contain Solidity (*.sol) files", ErrInvalidZip)
	}

	return nil
}

// ensureSafeName rejects any entry whose cleaned, sandbox-rooted path
// would escape the sandbox root (the zip-slip family of path traversal).
func ensureSafeName(name string) error {
	const sandboxRoot = "/zip-validate/"
	cleaned := path.Clean(sandboxRoot + name)
	if cleaned != sandboxRoot[:len(sandboxRoot)-1] && !strings.HasPrefix(cleaned, sandboxRoot) {
		return fmt.Errorf("%w: path traversal detected (%s)", ErrInvalidZip, name)
	}
	return nil
}

func isSymlink(f *zip.File) bool {
	return (f.ExternalAttrs>>16)&unixFileTypeMask == unixSymlinkType
}
