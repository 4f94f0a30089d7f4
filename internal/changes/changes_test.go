package changes

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/metasync/metasync/internal/index"
)

// mockFileLister implements FileLister for testing.
type mockFileLister struct {
	files  []string
	err    error
	called bool
}

func (m *mockFileLister) ChangedFiles(_ context.Context, _ string) ([]string, error) {
	m.called = true
	return m.files, m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func snapshot(repoName string, pkgs map[string][]index.Package) *index.Index {
	return &index.Index{
		Repo:     map[string]any{"name": repoName},
		Packages: pkgs,
	}
}

func notesPackages(code int64) map[string][]index.Package {
	return map[string][]index.Package{
		"com.example.notes": {
			{PackageName: "com.example.notes", ApkName: "notes_v1.apk", VersionCode: 1, VersionName: "1"},
			{PackageName: "com.example.notes", ApkName: "notes_v2.apk", VersionCode: code, VersionName: "2"},
		},
	}
}

func defaultFilter(t *testing.T) *Filter {
	t.Helper()
	f, err := NewFilter("")
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	return f
}

func TestComparePackages(t *testing.T) {
	tests := []struct {
		name        string
		before      *index.Index
		after       *index.Index
		significant bool
	}{
		{
			name:   "identical packages, different repo metadata",
			before: snapshot("old", notesPackages(2)),
			after:  snapshot("new", notesPackages(2)),
		},
		{
			name:        "record changed under existing key",
			before:      snapshot("r", notesPackages(2)),
			after:       snapshot("r", notesPackages(3)),
			significant: true,
		},
		{
			name:   "new package key",
			before: snapshot("r", notesPackages(2)),
			after: snapshot("r", func() map[string][]index.Package {
				p := notesPackages(2)
				p["org.example.timer"] = []index.Package{{PackageName: "org.example.timer", VersionCode: 1}}
				return p
			}()),
			significant: true,
		},
		{
			name:        "package removed",
			before:      snapshot("r", notesPackages(2)),
			after:       snapshot("r", map[string][]index.Package{}),
			significant: true,
		},
		{
			name:   "nil and empty mappings are equal",
			before: snapshot("r", nil),
			after:  snapshot("r", map[string][]index.Package{}),
		},
		{
			name:   "null and empty record lists are equal",
			before: snapshot("r", map[string][]index.Package{"q": {}}),
			after:  snapshot("r", map[string][]index.Package{"q": nil}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComparePackages(tt.before, tt.after)
			if err != nil {
				t.Fatalf("ComparePackages failed: %v", err)
			}
			if got.Significant != tt.significant {
				t.Fatalf("Significant = %v, want %v", got.Significant, tt.significant)
			}
			if tt.significant {
				if got.Location != LocationPackages {
					t.Errorf("Location = %q, want %q", got.Location, LocationPackages)
				}
				if len(got.Paths) == 0 {
					t.Error("expected changed paths")
				}
			} else if got.Location != "" {
				t.Errorf("Location = %q, want empty", got.Location)
			}
		})
	}
}

func TestComparePackages_ReportsPath(t *testing.T) {
	got, err := ComparePackages(snapshot("r", notesPackages(2)), snapshot("r", notesPackages(3)))
	if err != nil {
		t.Fatal(err)
	}
	want := "/packages/com.example.notes/1/versionCode"
	if len(got.Paths) != 1 || got.Paths[0] != want {
		t.Errorf("Paths = %v, want [%s]", got.Paths, want)
	}
}

func TestDetect_PrimaryRuleSkipsFallback(t *testing.T) {
	files := &mockFileLister{files: []string{"icons/foo.png"}}
	d := NewDetector(files, defaultFilter(t), testLogger())

	got, err := d.Detect(context.Background(), snapshot("r", notesPackages(2)), snapshot("r", notesPackages(3)), "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Significant || got.Location != LocationPackages {
		t.Errorf("Detect() = %+v", got)
	}
	if files.called {
		t.Error("file fallback must not run when packages changed")
	}
}

func TestDetect_Fallback(t *testing.T) {
	tests := []struct {
		name         string
		files        []string
		significant  bool
		wantLocation string
	}{
		{name: "only index changed", files: []string{"index-v1.json"}},
		{name: "all index files", files: []string{"index-v1.json", "index-v1.jar", "index.xml", "index.jar"}},
		{
			name:         "icon changed too",
			files:        []string{"index-v1.json", "icons/foo.png"},
			significant:  true,
			wantLocation: "icons/foo.png",
		},
		{name: "nothing changed", files: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := &mockFileLister{files: tt.files}
			d := NewDetector(files, defaultFilter(t), testLogger())

			got, err := d.Detect(context.Background(), snapshot("a", notesPackages(2)), snapshot("b", notesPackages(2)), "/repo")
			if err != nil {
				t.Fatal(err)
			}
			if !files.called {
				t.Fatal("expected file fallback to run")
			}
			if got.Significant != tt.significant {
				t.Fatalf("Significant = %v, want %v", got.Significant, tt.significant)
			}
			if got.Location != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got.Location, tt.wantLocation)
			}
		})
	}
}

func TestDetect_FallbackError(t *testing.T) {
	files := &mockFileLister{err: errors.New("git failed")}
	d := NewDetector(files, defaultFilter(t), testLogger())

	if _, err := d.Detect(context.Background(), snapshot("r", nil), snapshot("r", nil), "/repo"); err == nil {
		t.Fatal("expected error from file lister")
	}
}

func TestDetect_FilterErrorKeepsEarlierVerdict(t *testing.T) {
	// Division by zero fails at runtime for six character names
	filter, err := NewFilter(`10 / (file.size() - 6) >= 0`)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	files := &mockFileLister{files: []string{"icons/foo.png", "README"}}
	d := NewDetector(files, filter, testLogger())

	got, err := d.Detect(context.Background(), snapshot("r", nil), snapshot("r", nil), "/repo")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !got.Significant || got.Location != "icons/foo.png" {
		t.Errorf("Detect() = %+v, want significant at icons/foo.png", got)
	}
}

func TestDetect_NoFileLister(t *testing.T) {
	d := NewDetector(nil, defaultFilter(t), testLogger())

	got, err := d.Detect(context.Background(), snapshot("r", nil), snapshot("r", nil), "/repo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Significant {
		t.Error("expected no significant change")
	}
}

func TestFilter(t *testing.T) {
	f := defaultFilter(t)
	if f.Expr() != DefaultFilterExpr {
		t.Errorf("Expr() = %q", f.Expr())
	}

	for name, want := range map[string]bool{
		"index-v1.json":     false,
		"index.jar":         false,
		"icons/foo.png":     true,
		"App_v1.apk":        true,
		"diff/reindexed.db": false,
	} {
		got, err := f.Match(name)
		if err != nil {
			t.Fatalf("Match(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("Match(%q) = %v, want %v", name, got, want)
		}
	}

	custom, err := NewFilter(`file.endsWith(".apk")`)
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := custom.Match("icons/foo.png"); ok {
		t.Error("custom filter should reject png")
	}
	if ok, _ := custom.Match("App_v1.apk"); !ok {
		t.Error("custom filter should accept apk")
	}
}

func TestNewFilter_Invalid(t *testing.T) {
	if _, err := NewFilter(`file.contains(`); err == nil {
		t.Error("expected compile error")
	}
	if _, err := NewFilter(`unknown_var == 1`); err == nil {
		t.Error("expected error for undeclared variable")
	}
}

func TestFilter_NonBoolResult(t *testing.T) {
	f, err := NewFilter(`file + "x"`)
	if err != nil {
		t.Fatalf("NewFilter failed: %v", err)
	}
	if _, err := f.Match("a"); err == nil {
		t.Error("expected error for non-bool result")
	}
}
