package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/metasync/metasync/internal/apps"
	"github.com/metasync/metasync/internal/catalog"
	"github.com/metasync/metasync/internal/changes"
	"github.com/metasync/metasync/internal/config"
	"github.com/metasync/metasync/internal/fdroid"
	"github.com/metasync/metasync/internal/index"
	"github.com/metasync/metasync/internal/metadata"
	"github.com/metasync/metasync/internal/metrics"
	"github.com/metasync/metasync/internal/readme"
	"github.com/metasync/metasync/internal/source"
)

// mockSource implements source.Client for testing.
type mockSource struct {
	repos       map[string]*source.RepoInfo
	releases    map[string][]apps.Release
	releasesErr map[string]error
	assets      map[int64]string
	downloaded  []int64
}

func (m *mockSource) Repository(_ context.Context, repo apps.Repo) (*source.RepoInfo, error) {
	info, ok := m.repos[repo.String()]
	if !ok {
		return nil, fmt.Errorf("repository %s not found", repo)
	}
	return info, nil
}

func (m *mockSource) Releases(_ context.Context, repo apps.Repo) ([]apps.Release, error) {
	if err := m.releasesErr[repo.String()]; err != nil {
		return nil, err
	}
	return m.releases[repo.String()], nil
}

func (m *mockSource) DownloadAsset(_ context.Context, _ apps.Repo, asset apps.Asset, w io.Writer) error {
	m.downloaded = append(m.downloaded, asset.ID)
	content, ok := m.assets[asset.ID]
	if !ok {
		return fmt.Errorf("asset %d not found", asset.ID)
	}
	_, err := io.WriteString(w, content)
	return err
}

// mockGitClient implements git.Client for testing.
type mockGitClient struct {
	cloneErr  error
	files     map[string]string // relative path -> content created on clone
	changed   []string
	changeErr error
	cloned    []string
}

func (m *mockGitClient) Clone(_ context.Context, url, destDir string) error {
	m.cloned = append(m.cloned, url)
	if m.cloneErr != nil {
		return m.cloneErr
	}
	for rel, content := range m.files {
		path := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockGitClient) ChangedFiles(_ context.Context, _ string) ([]string, error) {
	return m.changed, m.changeErr
}

// fakeIndexer stands in for the indexing tool: it writes an index listing
// the artifacts present in the repo directory and creates metadata stubs.
type fakeIndexer struct {
	t        *testing.T
	cfg      *config.Config
	packages map[string]index.Package // apk name -> package
	err      error
	calls    []fdroid.UpdateOptions
	onUpdate func(opts fdroid.UpdateOptions)
}

func (f *fakeIndexer) Update(_ context.Context, opts fdroid.UpdateOptions) error {
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return f.err
	}
	if f.onUpdate != nil {
		f.onUpdate(opts)
	}

	idx := index.Index{Packages: map[string][]index.Package{}}
	names := make([]string, 0, len(f.packages))
	for apk := range f.packages {
		names = append(names, apk)
	}
	slices.Sort(names)

	for _, apk := range names {
		if _, err := os.Stat(filepath.Join(f.cfg.Paths.RepoDir, apk)); err != nil {
			continue
		}
		pkg := f.packages[apk]
		idx.Packages[pkg.PackageName] = append(idx.Packages[pkg.PackageName], pkg)

		stub := filepath.Join(f.cfg.MetadataDir(), pkg.PackageName+".yml")
		if _, err := os.Stat(stub); os.IsNotExist(err) && opts.CreateMetadata {
			writeFile(f.t, stub, "Name: Unknown\nSummary: Unknown\nLicense: Unknown\n")
		}
	}
	for name, pkgs := range idx.Packages {
		latest, _ := index.Latest(pkgs)
		idx.Apps = append(idx.Apps, index.App{
			PackageName:          name,
			Name:                 name,
			SuggestedVersionName: latest.VersionName,
			SuggestedVersionCode: index.VersionCode(fmt.Sprint(latest.VersionCode)),
		})
	}

	writeIndex(f.t, f.cfg, &idx)
	return nil
}

// mockCatalog implements Catalog for testing.
type mockCatalog struct {
	entries map[string]catalog.Entry
	puts    int
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{entries: make(map[string]catalog.Entry)}
}

func (m *mockCatalog) Put(filename string, e catalog.Entry) error {
	m.puts++
	m.entries[filename] = e
	return nil
}

func (m *mockCatalog) Get(filename string) (catalog.Entry, bool, error) {
	e, ok := m.entries[filename]
	return e, ok, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeIndex(t *testing.T, cfg *config.Config, idx *index.Index) {
	t.Helper()
	data, err := json.Marshal(idx)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, cfg.IndexPath(), string(data))
}

// testConfig lays out a workspace with an empty index and a README.
func testConfig(t *testing.T, registry string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Paths: config.PathsConfig{
			AppsFile: filepath.Join(root, "apps.yaml"),
			RepoDir:  filepath.Join(root, "fdroid", "repo"),
			StateDir: filepath.Join(root, "state"),
		},
	}
	writeFile(t, cfg.Paths.AppsFile, registry)
	writeIndex(t, cfg, &index.Index{Packages: map[string][]index.Package{}})
	writeFile(t, cfg.ReadmePath(), "# Apps\n"+readme.TableStart+"\n"+readme.TableEnd+"\n")
	return cfg
}

type testEnv struct {
	cfg     *config.Config
	source  *mockSource
	git     *mockGitClient
	indexer *fakeIndexer
	catalog *mockCatalog
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, registry string) *testEnv {
	t.Helper()
	cfg := testConfig(t, registry)
	return &testEnv{
		cfg: cfg,
		source: &mockSource{
			repos:       map[string]*source.RepoInfo{},
			releases:    map[string][]apps.Release{},
			releasesErr: map[string]error{},
			assets:      map[int64]string{},
		},
		git:     &mockGitClient{},
		indexer: &fakeIndexer{t: t, cfg: cfg, packages: map[string]index.Package{}},
		catalog: newMockCatalog(),
		metrics: metrics.New(),
	}
}

func (env *testEnv) engine(t *testing.T, opts Options) *Engine {
	t.Helper()
	filter, err := changes.NewFilter("")
	if err != nil {
		t.Fatal(err)
	}
	deps := Deps{
		Source:   env.source,
		Git:      env.git,
		Indexer:  env.indexer,
		Catalog:  env.catalog,
		Detector: changes.NewDetector(env.git, filter, testLogger()),
		Metrics:  env.metrics,
	}
	return NewEngine(env.cfg, deps, testLogger(), opts)
}

func uploaded(id int64, name string) apps.Asset {
	return apps.Asset{ID: id, Name: name, State: apps.AssetStateUploaded}
}

const notesRegistry = `
notes:
  git: https://github.com/acme/notes
  categories: [Writing]
  anti_features: [NonFreeNet]
  description: A notebook.
`

func TestRun_FullPass(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.repos["acme/notes"] = &source.RepoInfo{Description: "Take notes quickly", License: "MIT"}
	env.source.releases["acme/notes"] = []apps.Release{
		{TagName: "v1.3-rc", Prerelease: true, Assets: []apps.Asset{uploaded(13, "notes.apk")}},
		{TagName: "v1.2", Body: "Fixed bugs", Assets: []apps.Asset{uploaded(12, "notes.apk")}},
		{TagName: "v1.1", Assets: []apps.Asset{uploaded(11, "notes.apk")}},
	}
	env.source.assets[12] = "APK12"
	env.indexer.packages = map[string]index.Package{
		"notes_v1.1.apk": {PackageName: "com.example.notes", ApkName: "notes_v1.1.apk", VersionCode: 11, VersionName: "1.1"},
		"notes_v1.2.apk": {PackageName: "com.example.notes", ApkName: "notes_v1.2.apk", VersionCode: 12, VersionName: "1.2"},
	}
	env.git.files = map[string]string{
		"docs/screenshots/a.png": "A",
		"docs/screenshots/b.jpg": "B",
		"README.md":              "readme",
	}

	// The older artifact is already published
	writeFile(t, filepath.Join(env.cfg.Paths.RepoDir, "notes_v1.1.apk"), "APK11")

	var staged []string
	env.indexer.onUpdate = func(opts fdroid.UpdateOptions) {
		if opts.CreateMetadata {
			return
		}
		dir := metadata.ScreenshotsDir(env.cfg.MetadataDir(), "com.example.notes")
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			staged = append(staged, e.Name())
		}
	}

	result, err := env.engine(t, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.HadError {
		t.Error("expected no errors")
	}
	if !result.Significant || result.Location != changes.LocationPackages {
		t.Errorf("expected significant change in packages, got %+v", result)
	}
	if result.Downloaded != 1 || result.Updated != 1 {
		t.Errorf("downloaded=%d updated=%d", result.Downloaded, result.Updated)
	}

	if !slices.Equal(env.source.downloaded, []int64{12}) {
		t.Errorf("downloaded assets = %v, want [12]", env.source.downloaded)
	}
	data, err := os.ReadFile(filepath.Join(env.cfg.Paths.RepoDir, "notes_v1.2.apk"))
	if err != nil || string(data) != "APK12" {
		t.Errorf("artifact = %q, %v", data, err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(env.cfg.Paths.RepoDir, ".metasync-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}

	if len(env.indexer.calls) != 2 || !env.indexer.calls[0].CreateMetadata || env.indexer.calls[1].CreateMetadata {
		t.Errorf("indexer calls = %+v", env.indexer.calls)
	}

	rec, err := metadata.Read(filepath.Join(env.cfg.MetadataDir(), "com.example.notes.yml"))
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		metadata.KeyAuthorName:         "acme",
		metadata.KeyName:               "notes",
		metadata.KeySummary:            "Take notes quickly",
		metadata.KeyLicense:            "MIT",
		metadata.KeySourceCode:         "https://github.com/acme/notes",
		metadata.KeyDescription:        "A notebook.",
		metadata.KeyAntiFeatures:       "NonFreeNet",
		metadata.KeyCurrentVersion:     "1.2",
		metadata.KeyCurrentVersionCode: 12,
	}
	for k, v := range want {
		if rec[k] != v {
			t.Errorf("%s = %#v, want %#v", k, rec[k], v)
		}
	}

	changelog, err := os.ReadFile(metadata.ChangelogPath(env.cfg.MetadataDir(), "com.example.notes", 12))
	if err != nil || string(changelog) != "Fixed bugs" {
		t.Errorf("changelog = %q, %v", changelog, err)
	}

	if !slices.Equal(staged, []string{"1.png", "2.jpg"}) {
		t.Errorf("screenshots seen by indexer = %v", staged)
	}
	if _, err := os.Stat(metadata.ScreenshotsDir(env.cfg.MetadataDir(), "com.example.notes")); !os.IsNotExist(err) {
		t.Error("staged screenshots should be removed after the final update")
	}
	if _, err := os.Stat(env.cfg.ClonesDir()); err == nil {
		entries, _ := os.ReadDir(env.cfg.ClonesDir())
		if len(entries) != 0 {
			t.Errorf("clones left behind: %v", entries)
		}
	}

	readmeData, err := os.ReadFile(env.cfg.ReadmePath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(readmeData), "| 1.2 (12) |") {
		t.Errorf("README table not regenerated:\n%s", readmeData)
	}

	if _, ok := env.catalog.entries["notes_v1.1.apk"]; !ok {
		t.Error("existing artifact should still be cataloged")
	}
	if e := env.catalog.entries["notes_v1.2.apk"]; e.AppKey != "notes" || e.Tag != "v1.2" || e.ReleaseNotes != "Fixed bugs" {
		t.Errorf("catalog entry = %+v", e)
	}

	if got := testutil.ToFloat64(env.metrics.ReleasesSkipped.WithLabelValues(string(apps.SkipPrerelease))); got != 1 {
		t.Errorf("prerelease skips = %v", got)
	}
	if got := testutil.ToFloat64(env.metrics.AssetsDownloaded); got != 1 {
		t.Errorf("assets downloaded = %v", got)
	}
}

func TestRun_NotSignificant(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.repos["acme/notes"] = &source.RepoInfo{}
	env.source.releases["acme/notes"] = []apps.Release{
		{TagName: "v1.0", Assets: []apps.Asset{{ID: 1, Name: "notes.apk", State: "new"}}},
	}
	env.git.changed = []string{"index-v1.json", "index-v1.jar"}

	result, err := env.engine(t, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Significant || result.Location != "" {
		t.Errorf("expected no significant change, got %+v", result)
	}
	if result.HadError {
		t.Error("a release without assets is not an error")
	}
	if len(env.source.downloaded) != 0 {
		t.Errorf("nothing should be downloaded, got %v", env.source.downloaded)
	}
}

func TestRun_SignificantFileChange(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.repos["acme/notes"] = &source.RepoInfo{}
	env.git.changed = []string{"index-v1.json", "icons/foo.png"}

	result, err := env.engine(t, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Significant || result.Location != "icons/foo.png" {
		t.Errorf("expected significant change at icons/foo.png, got %+v", result)
	}
}

func TestRun_ErrorsAreIsolated(t *testing.T) {
	registry := `
broken:
  git: https://example.com/owner
flaky:
  git: https://github.com/acme/flaky
notes:
  git: https://github.com/acme/notes
timer:
  git: https://github.com/acme/timer
`
	env := newTestEnv(t, registry)
	env.source.releasesErr["acme/flaky"] = errors.New("rate limited")
	env.source.releases["acme/notes"] = []apps.Release{
		{TagName: "v1", Assets: []apps.Asset{uploaded(1, "notes.apk")}},
	}
	env.source.releases["acme/timer"] = []apps.Release{
		{TagName: "v2", Assets: []apps.Asset{uploaded(2, "timer.apk")}},
	}
	// asset 1 is missing, so that download fails
	env.source.assets[2] = "TIMER"

	result, err := env.engine(t, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("per-app failures must not abort the run: %v", err)
	}
	if !result.HadError {
		t.Error("expected HadError")
	}
	if result.Downloaded != 1 {
		t.Errorf("downloaded = %d, want 1", result.Downloaded)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.RepoDir, "timer_v2.apk")); err != nil {
		t.Errorf("healthy app should still be downloaded: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.RepoDir, "notes_v1.apk")); !os.IsNotExist(err) {
		t.Error("failed download must not leave an artifact")
	}
	if got := testutil.ToFloat64(env.metrics.DownloadFailures); got != 1 {
		t.Errorf("download failures = %v", got)
	}
	// invalid entry, release listing, download
	if got := testutil.ToFloat64(env.metrics.RunErrors); got != 3 {
		t.Errorf("run errors = %v, want 3", got)
	}
}

func TestRun_FatalErrors(t *testing.T) {
	t.Run("missing registry", func(t *testing.T) {
		env := newTestEnv(t, notesRegistry)
		if err := os.Remove(env.cfg.Paths.AppsFile); err != nil {
			t.Fatal(err)
		}
		if _, err := env.engine(t, Options{}).Run(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("missing index", func(t *testing.T) {
		env := newTestEnv(t, notesRegistry)
		if err := os.Remove(env.cfg.IndexPath()); err != nil {
			t.Fatal(err)
		}
		_, err := env.engine(t, Options{}).Run(context.Background())
		if !errors.Is(err, index.ErrIndexRead) {
			t.Fatalf("expected ErrIndexRead, got %v", err)
		}
	})

	t.Run("indexer failure", func(t *testing.T) {
		env := newTestEnv(t, notesRegistry)
		env.indexer.err = errors.New("fdroid exploded")
		_, err := env.engine(t, Options{}).Run(context.Background())
		if err == nil || !strings.Contains(err.Error(), "fdroid exploded") {
			t.Fatalf("expected indexer error, got %v", err)
		}
		if got := testutil.ToFloat64(env.metrics.Runs.WithLabelValues("failed")); got != 1 {
			t.Errorf("failed runs = %v", got)
		}
	})
}

func TestRun_DryRun(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.repos["acme/notes"] = &source.RepoInfo{}
	env.source.releases["acme/notes"] = []apps.Release{
		{TagName: "v1.2", Assets: []apps.Asset{uploaded(12, "notes.apk")}},
	}
	env.source.assets[12] = "APK12"

	result, err := env.engine(t, Options{DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Downloaded != 0 || len(env.source.downloaded) != 0 {
		t.Error("dry-run must not download")
	}
	if len(env.indexer.calls) != 0 {
		t.Error("dry-run must not run the indexing tool")
	}
	if env.catalog.puts != 0 {
		t.Error("dry-run must not write the catalog")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.Paths.RepoDir, "notes_v1.2.apk")); !os.IsNotExist(err) {
		t.Error("dry-run must not create artifacts")
	}
}

func TestRun_SkipIndexer(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.repos["acme/notes"] = &source.RepoInfo{}

	if _, err := env.engine(t, Options{SkipIndexer: true}).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(env.indexer.calls) != 0 {
		t.Errorf("indexer should be skipped, got %d calls", len(env.indexer.calls))
	}
}

func TestRun_CatalogFallback(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.releasesErr["acme/notes"] = errors.New("unavailable")
	env.catalog.entries["notes_v1.0.apk"] = catalog.Entry{AppKey: "notes", Tag: "v1.0", ReleaseNotes: "First release"}
	env.indexer.packages = map[string]index.Package{
		"notes_v1.0.apk": {PackageName: "com.example.notes", ApkName: "notes_v1.0.apk", VersionCode: 10, VersionName: "1.0"},
	}
	env.git.cloneErr = errors.New("network down")
	writeFile(t, filepath.Join(env.cfg.Paths.RepoDir, "notes_v1.0.apk"), "APK10")

	result, err := env.engine(t, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.HadError {
		t.Error("release listing failure should be recorded")
	}
	if result.Updated != 1 {
		t.Fatalf("metadata should be updated from the catalog, updated=%d", result.Updated)
	}

	rec, err := metadata.Read(filepath.Join(env.cfg.MetadataDir(), "com.example.notes.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if rec[metadata.KeyName] != "notes" || rec[metadata.KeyCurrentVersion] != "1.0" {
		t.Errorf("unexpected record: %v", rec)
	}
	// The sentinel is cleared even though no summary is known
	if rec[metadata.KeySummary] != "" {
		t.Errorf("Summary = %#v, want cleared sentinel", rec[metadata.KeySummary])
	}
	changelog, err := os.ReadFile(metadata.ChangelogPath(env.cfg.MetadataDir(), "com.example.notes", 10))
	if err != nil || string(changelog) != "First release" {
		t.Errorf("changelog = %q, %v", changelog, err)
	}
}

func TestRun_UnknownArtifactLeftAlone(t *testing.T) {
	env := newTestEnv(t, notesRegistry)
	env.source.repos["acme/notes"] = &source.RepoInfo{}
	env.indexer.packages = map[string]index.Package{
		"other.apk": {PackageName: "org.other", ApkName: "other.apk", VersionCode: 1, VersionName: "1"},
	}
	writeFile(t, filepath.Join(env.cfg.Paths.RepoDir, "other.apk"), "X")

	result, err := env.engine(t, Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Updated != 0 {
		t.Errorf("updated = %d, want 0", result.Updated)
	}
	data, err := os.ReadFile(filepath.Join(env.cfg.MetadataDir(), "org.other.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Name: Unknown") {
		t.Errorf("metadata of unknown artifact changed:\n%s", data)
	}
	if len(env.git.cloned) != 0 {
		t.Error("no clone expected for unknown artifact")
	}
}

func TestMoveFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	dst := filepath.Join(dir, "nested", "dir", "1.png")
	writeFile(t, src, "PNG")

	if err := moveFile(src, dst); err != nil {
		t.Fatalf("moveFile failed: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source should be gone")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "PNG" {
		t.Errorf("dest = %q, %v", data, err)
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	writeFile(t, src, "content")
	if err := os.Chmod(src, 0600); err != nil {
		t.Fatal(err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile failed: %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("copyFile must keep the source")
	}
}
