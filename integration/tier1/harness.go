//go:build integration

package tier1

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/metasync/metasync/internal/testutil"
)

const (
	testPackage    = "com.example.notes"
	defaultTimeout = 5 * time.Minute
)

// fdroidShim stands in for `fdroid update`. It logs its arguments, writes an
// index for the *_v<version>.apk files in repo/ and creates a metadata stub
// when asked to.
const fdroidShim = `#!/bin/sh
set -e
echo "$(date -u +%Y-%m-%dT%H:%M:%SZ) $*" >> "$FDROID_SHIM_LOG"
if [ -n "$FDROID_SHIM_FAIL" ]; then
  echo "shim failure" >&2
  exit 1
fi
pkg="$FDROID_SHIM_PACKAGE"
create=0
for arg in "$@"; do
  if [ "$arg" = "--create-metadata" ]; then create=1; fi
done
if [ "$create" = 0 ] && [ -d "metadata/$pkg/en-US/phoneScreenshots" ]; then
  ls "metadata/$pkg/en-US/phoneScreenshots" >> "$FDROID_SHIM_LOG.screenshots"
fi
pkgs=""
latest_name=""
latest_code=0
for apk in repo/*.apk; do
  [ -e "$apk" ] || continue
  base=$(basename "$apk")
  ver=${base##*_v}
  ver=${ver%.apk}
  code=$(echo "$ver" | tr -d '.')
  entry="{\"apkName\":\"$base\",\"packageName\":\"$pkg\",\"versionCode\":$code,\"versionName\":\"$ver\"}"
  if [ -z "$pkgs" ]; then pkgs="$entry"; else pkgs="$pkgs,$entry"; fi
  if [ "$code" -gt "$latest_code" ]; then latest_code=$code; latest_name=$ver; fi
done
if [ -z "$pkgs" ]; then
  printf '{"repo":{},"requests":{},"apps":[],"packages":{}}\n' > repo/index-v1.json
  exit 0
fi
printf '{"repo":{},"requests":{},"apps":[{"packageName":"%s","name":"%s","summary":"Take notes quickly","sourceCode":"https://github.com/acme/notes","suggestedVersionName":"%s","suggestedVersionCode":"%s"}],"packages":{"%s":[%s]}}\n' \
  "$pkg" "notes" "$latest_name" "$latest_code" "$pkg" "$pkgs" > repo/index-v1.json
if [ "$create" = 1 ] && [ ! -f "metadata/$pkg.yml" ]; then
  mkdir -p metadata
  printf 'Name: Unknown\nSummary: Unknown\nLicense: Unknown\n' > "metadata/$pkg.yml"
fi
`

// Harness runs the metasync binary against a scratch workspace, a fake
// GitHub API and the fdroid shim
type Harness struct {
	t       *testing.T
	binary  string
	Root    string // workspace, a git repository holding fdroid/ and README.md
	Sources string // parent of the source repositories clones resolve to
	logDir  string
	github  *fakeGitHub
	env     []string
}

// NewHarness builds the binary and lays out the workspace
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	h := &Harness{
		t:       t,
		Root:    t.TempDir(),
		Sources: t.TempDir(),
		logDir:  t.TempDir(),
		github:  newFakeGitHub(),
	}
	t.Cleanup(h.github.Close)

	if err := h.buildBinary(ctx); err != nil {
		t.Fatalf("build binary: %v", err)
	}

	shim := filepath.Join(t.TempDir(), "fdroid")
	if err := os.WriteFile(shim, []byte(fdroidShim), 0755); err != nil {
		t.Fatalf("write shim: %v", err)
	}

	h.WriteFile("metasync.yaml", fmt.Sprintf(`paths:
  apps_file: apps.yaml
  repo_dir: fdroid/repo
  state_dir: state
github:
  base_url: %s/api/v3
fdroid:
  command: %s
metrics:
  textfile: state/metasync.prom
`, h.github.URL(), shim))
	h.WriteFile(".gitignore", "state/\n")
	h.WriteFile("README.md", "# Apps\n\n<!-- This table is auto-generated. Do not edit -->\n<!-- end apps table -->\n")
	h.WriteFile("fdroid/repo/index-v1.json", `{"repo":{},"requests":{},"apps":[],"packages":{}}`+"\n")

	testutil.InitRepo(t, h.Root, "main")
	testutil.CommitFiles(t, h.Root, nil, "Initial layout")

	h.env = append(os.Environ(),
		"GITHUB_TOKEN=",
		"FDROID_SHIM_LOG="+h.ShimLogPath(),
		"FDROID_SHIM_PACKAGE="+testPackage,
		// Resolve https://github.com/ clones to the local source repositories
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=url.file://"+h.Sources+"/.insteadOf",
		"GIT_CONFIG_VALUE_0=https://github.com/",
	)

	return h
}

// buildBinary compiles cmd/metasync into a scratch directory
func (h *Harness) buildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), "metasync")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/metasync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Run executes metasync in the workspace and returns its exit code
func (h *Harness) Run(ctx context.Context, extraEnv []string, args ...string) (string, string, int) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.Root
	cmd.Env = append(append([]string{}, h.env...), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			h.t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}

	h.t.Logf("metasync %s: exit %d", strings.Join(args, " "), exitCode)
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		h.t.Log("[stdout] " + line)
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustRun runs metasync and fails the test unless it exits with want
func (h *Harness) MustRun(ctx context.Context, want int, args ...string) {
	h.t.Helper()
	_, stderr, code := h.Run(ctx, nil, args...)
	if code != want {
		h.t.Fatalf("metasync %v exited %d, want %d\nstderr: %s", args, code, want, stderr)
	}
}

// Commit records the workspace state so the next run starts clean
func (h *Harness) Commit(msg string) {
	h.t.Helper()
	testutil.CommitFiles(h.t, h.Root, nil, msg)
}

// AddSourceRepo creates the source repository owner/project that clones of
// https://github.com/owner/project resolve to
func (h *Harness) AddSourceRepo(owner, project string, files map[string]string) {
	h.t.Helper()
	dir := filepath.Join(h.Sources, owner, project)
	testutil.InitRepo(h.t, dir, "main")
	testutil.CommitFiles(h.t, dir, files, "Initial commit")
}

// WriteFile writes a file relative to the workspace
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.Root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a file relative to the workspace
func (h *Harness) ReadFile(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Root, rel))
	if err != nil {
		h.t.Fatalf("read file: %v", err)
	}
	return string(data)
}

// FileExists checks if a file exists relative to the workspace
func (h *Harness) FileExists(rel string) bool {
	_, err := os.Stat(filepath.Join(h.Root, rel))
	return err == nil
}

// ShimLogPath is where the fdroid shim records its invocations
func (h *Harness) ShimLogPath() string {
	return filepath.Join(h.logDir, "fdroid.log")
}

// ReadShimLog reads and parses the fdroid shim log
func (h *Harness) ReadShimLog() ([]ShimLogEntry, error) {
	h.t.Helper()
	content, err := os.ReadFile(h.ShimLogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []ShimLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Parse: "2024-01-01T12:00:00Z update --pretty --delete-unknown"
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}

		entries = append(entries, ShimLogEntry{
			Timestamp: parts[0],
			Args:      strings.Fields(parts[1]),
		})
	}

	return entries, scanner.Err()
}

// ClearShimLog clears the fdroid shim logs
func (h *Harness) ClearShimLog() {
	h.t.Helper()
	for _, path := range []string{h.ShimLogPath(), h.ShimLogPath() + ".screenshots"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.t.Fatalf("clear shim log: %v", err)
		}
	}
}

// StagedScreenshots lists the screenshots the shim saw during final updates
func (h *Harness) StagedScreenshots() []string {
	h.t.Helper()
	data, err := os.ReadFile(h.ShimLogPath() + ".screenshots")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("read screenshot log: %v", err)
	}
	return strings.Fields(string(data))
}

// ShimLogEntry represents a parsed fdroid shim log entry
type ShimLogEntry struct {
	Timestamp string
	Args      []string
}

// String returns a human-readable representation
func (e ShimLogEntry) String() string {
	return fmt.Sprintf("%s: fdroid %s", e.Timestamp, strings.Join(e.Args, " "))
}

// ContainsArg checks if the entry contains a specific argument anywhere
func (e ShimLogEntry) ContainsArg(arg string) bool {
	for _, a := range e.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// fakeGitHub serves the parts of the GitHub REST API metasync uses
type fakeGitHub struct {
	srv *httptest.Server

	mu        sync.Mutex
	releases  []map[string]any
	assets    map[int64]string
	downloads []int64
}

func newFakeGitHub() *fakeGitHub {
	f := &fakeGitHub{assets: map[int64]string{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/notes", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"full_name":   "acme/notes",
			"description": "Take notes quickly",
			"license":     map[string]any{"spdx_id": "MIT"},
		})
	})
	mux.HandleFunc("GET /api/v3/repos/acme/notes/releases", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.releases)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/notes/releases/assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		content, ok := f.assets[id]
		f.downloads = append(f.downloads, id)
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, content)
	})

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeGitHub) URL() string {
	return f.srv.URL
}

func (f *fakeGitHub) Close() {
	f.srv.Close()
}

// AddRelease publishes a release with one uploaded asset, newest first
func (f *fakeGitHub) AddRelease(tag, notes string, assetID int64, assetName, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets[assetID] = content
	release := map[string]any{
		"tag_name":   tag,
		"body":       notes,
		"prerelease": false,
		"draft":      false,
		"assets": []map[string]any{{
			"id":    assetID,
			"name":  assetName,
			"state": "uploaded",
			"size":  len(content),
		}},
	}
	f.releases = append([]map[string]any{release}, f.releases...)
}

// Downloads returns the asset ids fetched so far
func (f *fakeGitHub) Downloads() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.downloads...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
