package distworker_test

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/distexec/worker/internal/distworker"
)

func testLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

func TestBuildArtifactArchive_NoGlobs(t *testing.T) {
	archive, err := distworker.BuildArtifactArchive(testLogger(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("BuildArtifactArchive: %v", err)
	}
	if archive != nil {
		t.Errorf("archive = %v, want nil", archive)
	}
}

func TestBuildArtifactArchive_NoMatches(t *testing.T) {
	dir := t.TempDir()
	archive, err := distworker.BuildArtifactArchive(testLogger(), dir, []string{"*.log"})
	if err != nil {
		t.Fatalf("BuildArtifactArchive: %v", err)
	}
	if archive != nil {
		t.Errorf("archive = %v, want nil", archive)
	}
}

func TestBuildArtifactArchive_MatchesAreZipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "out.log"), "hello")
	writeFile(t, filepath.Join(dir, "skip.txt"), "nope")

	archive, err := distworker.BuildArtifactArchive(testLogger(), dir, []string{"*.log"})
	if err != nil {
		t.Fatalf("BuildArtifactArchive: %v", err)
	}

	names := zipEntryNames(t, archive)
	if len(names) != 1 || names[0] != "out.log" {
		t.Errorf("entries = %v, want [out.log]", names)
	}
}

func TestBuildArtifactArchive_SkipsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.log"), "shh")

	if err := os.Symlink(filepath.Join(outside, "secret.log"), filepath.Join(dir, "escape.log")); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	archive, err := distworker.BuildArtifactArchive(testLogger(), dir, []string{"*.log"})
	if err != nil {
		t.Fatalf("BuildArtifactArchive: %v", err)
	}
	if archive != nil {
		t.Errorf("archive = %v, want nil (escaping symlink should be skipped)", archive)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func zipEntryNames(t *testing.T, archive []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}
