package distworker

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// MaxArtifactUncompressedBytes is the uncompressed-size cutoff (§4.3)
// above which a single diagnostic sentinel entry is archived instead of
// the matched files.
const MaxArtifactUncompressedBytes = 200 * 1024 * 1024 // 200 MiB

// ArchiveTooBigEntry is the sentinel zip entry name used when matched
// artifacts exceed MaxArtifactUncompressedBytes.
const ArchiveTooBigEntry = "_ARCHIVE_TOO_BIG_"

// BuildArtifactArchive matches each glob pattern in globs against files
// under workDir, resolves each match to a canonical absolute path, and
// discards any match that escapes workDir (symlink escape prevention).
// If no files match, it returns (nil, nil) — no archive is produced. If
// the total uncompressed size of matches exceeds
// MaxArtifactUncompressedBytes, it returns a single-entry archive
// containing a human-readable diagnostic instead of the matched files.
// Otherwise it returns a zip archive of all matches, named relative to
// workDir with any leading path separators stripped.
func BuildArtifactArchive(logger *log.Logger, workDir string, globs []string) ([]byte, error) {
	if len(globs) == 0 {
		return nil, nil
	}

	canonicalWorkDir, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}

	matched := make(map[string]int64) // canonical path -> size
	for _, g := range globs {
		pattern := filepath.Join(workDir, g)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			logger.Warn("error globbing artifact pattern", "glob", g, "err", err)
			continue
		}
		for _, m := range matches {
			canonical, err := filepath.EvalSymlinks(m)
			if err != nil {
				logger.Warn("could not resolve artifact match", "path", m, "err", err)
				continue
			}
			rel, err := filepath.Rel(canonicalWorkDir, canonical)
			if err != nil || strings.HasPrefix(rel, "..") {
				logger.Warn("glob matched file outside work dir, skipping", "glob", g, "path", canonical)
				continue
			}
			if _, seen := matched[canonical]; seen {
				continue
			}
			info, err := os.Stat(canonical)
			if err != nil {
				logger.Warn("could not stat artifact match", "path", canonical, "err", err)
				continue
			}
			matched[canonical] = info.Size()
		}
	}

	if len(matched) == 0 {
		return nil, nil
	}

	var totalSize int64
	for _, size := range matched {
		totalSize += size
	}

	if totalSize > MaxArtifactUncompressedBytes {
		logger.Info("artifacts exceed max archive size, uploading diagnostic instead",
			"total_bytes", totalSize, "max_bytes", MaxArtifactUncompressedBytes)
		return buildTooBigArchive(totalSize, MaxArtifactUncompressedBytes)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for path := range matched {
		rel, err := filepath.Rel(canonicalWorkDir, path)
		if err != nil {
			return nil, fmt.Errorf("relativize %s: %w", path, err)
		}
		arcname := strings.TrimLeft(filepath.ToSlash(rel), "/")
		if err := writeZipEntry(zw, arcname, path); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func writeZipEntry(zw *zip.Writer, arcname, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", srcPath, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("build zip header for %s: %w", srcPath, err)
	}
	hdr.Name = arcname
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("create zip entry %s: %w", arcname, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("write zip entry %s: %w", arcname, err)
	}
	return nil
}

func buildTooBigArchive(totalSize, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(ArchiveTooBigEntry)
	if err != nil {
		return nil, fmt.Errorf("create sentinel entry: %w", err)
	}
	msg := fmt.Sprintf(
		"Size of matched uncompressed test artifacts exceeded maximum size (%d bytes > %d bytes)!",
		totalSize, maxSize)
	if _, err := w.Write([]byte(msg)); err != nil {
		return nil, fmt.Errorf("write sentinel entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize sentinel archive: %w", err)
	}
	return buf.Bytes(), nil
}
