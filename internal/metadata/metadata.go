package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/metasync/metasync/internal/apps"
	"github.com/metasync/metasync/internal/index"
)

// Keys of the F-Droid metadata fields managed by Merge
const (
	KeyAuthorName         = "AuthorName"
	KeyName               = "Name"
	KeySourceCode         = "SourceCode"
	KeyLicense            = "License"
	KeyDescription        = "Description"
	KeySummary            = "Summary"
	KeyCategories         = "Categories"
	KeyAntiFeatures       = "AntiFeatures"
	KeyCurrentVersion     = "CurrentVersion"
	KeyCurrentVersionCode = "CurrentVersionCode"
)

// Unknown is the placeholder the indexing tool writes into fields it could not fill
const Unknown = "Unknown"

// MaxSummaryLength is the longest summary F-Droid accepts, in characters
const MaxSummaryLength = 80

const truncationMarker = "..."

// ErrWrite is returned when a metadata file could not be persisted
var ErrWrite = errors.New("failed to write metadata file")

// Record is the content of one metadata/<package>.yml file
type Record map[string]any

// SetNonEmpty stores value under key when value is non-empty or when the
// stored value is the Unknown placeholder. It reports whether it wrote.
func SetNonEmpty(rec Record, key, value string) bool {
	if value == "" {
		if current, ok := rec[key].(string); !ok || current != Unknown {
			return false
		}
	}
	rec[key] = value
	return true
}

// TruncateSummary shortens s to MaxSummaryLength characters, ending it with
// "..." when anything was cut
func TruncateSummary(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxSummaryLength {
		return s
	}
	return string(runes[:MaxSummaryLength-len(truncationMarker)]) + truncationMarker
}

// Merge applies the registry facts of app and the version of pkg to rec.
// It returns the keys that were written, in application order.
func Merge(rec Record, app apps.App, pkg index.Package) []string {
	var changed []string
	set := func(key, value string) {
		if SetNonEmpty(rec, key, value) {
			changed = append(changed, key)
		}
	}

	set(KeyAuthorName, app.AuthorName())
	set(KeyName, app.DisplayName())
	set(KeySourceCode, app.Git)
	set(KeyLicense, app.License)
	set(KeyDescription, app.Description)
	set(KeySummary, TruncateSummary(app.Summary))

	if len(app.Categories) > 0 {
		categories := make([]any, len(app.Categories))
		for i, c := range app.Categories {
			categories[i] = c
		}
		rec[KeyCategories] = categories
		changed = append(changed, KeyCategories)
	}

	if len(app.AntiFeatures) > 0 {
		rec[KeyAntiFeatures] = strings.Join(app.AntiFeatures, ",")
		changed = append(changed, KeyAntiFeatures)
	}

	rec[KeyCurrentVersion] = pkg.VersionName
	rec[KeyCurrentVersionCode] = int(pkg.VersionCode)
	changed = append(changed, KeyCurrentVersion, KeyCurrentVersionCode)

	return changed
}

// Read loads a metadata file
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}

	// Nested mappings take the type of the decode target, so decode into a
	// plain map to keep them map[string]any.
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata file %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return Record(m), nil
}

// Write persists rec at path. The content is written to a temporary file in
// the same directory and renamed over path, so readers never see a partial file.
func Write(path string, rec Record) error {
	data, err := yaml.Marshal(map[string]any(rec))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// WriteFileAtomic writes data to path through a temp file and rename
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".metasync-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}
