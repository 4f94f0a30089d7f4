package metadata

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Locale is the locale directory that changelogs and screenshots go into
const Locale = "en-US"

// ScreenshotExtensions are the image types picked up from source repositories
var ScreenshotExtensions = []string{
	".png",
	".jpg",
	".jpeg",
}

// ChangelogPath returns metadata/<pkg>/en-US/changelogs/<versionCode>.txt
func ChangelogPath(metadataDir, packageName string, versionCode int64) string {
	return filepath.Join(metadataDir, packageName, Locale, "changelogs", strconv.FormatInt(versionCode, 10)+".txt")
}

// ScreenshotsDir returns metadata/<pkg>/en-US/phoneScreenshots
func ScreenshotsDir(metadataDir, packageName string) string {
	return filepath.Join(metadataDir, packageName, Locale, "phoneScreenshots")
}

// PackageName returns the package a metadata file describes, or "" when
// path is not a metadata file
func PackageName(path string) string {
	if filepath.Ext(path) != ".yml" {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(path), ".yml")
}

// DiscoverFiles returns the metadata files found anywhere under dir
func DiscoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if PackageName(path) != "" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// IsScreenshot reports whether path looks like a screenshot image
func IsScreenshot(path string) bool {
	lower := strings.ToLower(path)
	if !strings.Contains(lower, "screenshot") {
		return false
	}
	ext := filepath.Ext(lower)
	for _, valid := range ScreenshotExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// FindScreenshots walks a source checkout and returns every screenshot image
// in walk order. The .git directory is not descended into.
func FindScreenshots(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if IsScreenshot(rel) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}
