package distworker_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/distexec/worker/internal/distworker"
)

// writeFakeFetchTool writes a shell script standing in for the real
// payload fetch binary: on a `-f <hash> <dest>` invocation it writes the
// given manifest JSON to dest; on a `-i <hash> --target <dir>`
// invocation it does nothing (the test does not inspect workDir
// contents). Either way it exits with exitCode.
func writeFakeFetchTool(t *testing.T, manifestJSON string, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-fetch-tool")
	script := fmt.Sprintf(`#!/bin/sh
dest=""
while [ "$#" -gt 0 ]; do
  if [ "$1" = "-f" ]; then
    shift
    shift
    dest="$1"
  fi
  shift
done
if [ -n "$dest" ]; then
  cat > "$dest" <<'EOF'
%s
EOF
fi
exit %d
`, manifestJSON, exitCode)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake fetch tool: %v", err)
	}
	return path
}

func TestFetchPayload_Success(t *testing.T) {
	tool := writeFakeFetchTool(t, `{"command":["run.sh"],"relative_cwd":""}`, 0)
	logger := log.NewWithOptions(io.Discard, log.Options{})

	manifest, err := distworker.FetchPayload(context.Background(), logger, tool, "https://isolate.example.com", &fakeHandle{}, t.TempDir(), t.TempDir(), "deadbeef")
	if err != nil {
		t.Fatalf("FetchPayload: %v", err)
	}
	if len(manifest.Command) != 1 || manifest.Command[0] != "run.sh" {
		t.Errorf("Command = %v, want [run.sh]", manifest.Command)
	}
}

func TestFetchPayload_RetriesThenFails(t *testing.T) {
	tool := writeFakeFetchTool(t, "", 1)
	logger := log.NewWithOptions(io.Discard, log.Options{})

	_, err := distworker.FetchPayload(context.Background(), logger, tool, "https://isolate.example.com", &fakeHandle{}, t.TempDir(), t.TempDir(), "deadbeef")
	if err == nil {
		t.Fatal("expected an error when the fetch tool always fails")
	}
}

func TestFetchPayload_RejectsManifestWithoutCommand(t *testing.T) {
	tool := writeFakeFetchTool(t, `{"relative_cwd":"sub"}`, 0)
	logger := log.NewWithOptions(io.Discard, log.Options{})

	_, err := distworker.FetchPayload(context.Background(), logger, tool, "https://isolate.example.com", &fakeHandle{}, t.TempDir(), t.TempDir(), "deadbeef")
	if err == nil {
		t.Fatal("expected an error for a manifest with no command")
	}
}
