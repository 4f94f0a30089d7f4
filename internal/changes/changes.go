package changes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wI2L/jsondiff"

	"github.com/metasync/metasync/internal/index"
)

// LocationPackages tags a change found in the index package lists
const LocationPackages = "packages"

// Result is the verdict on whether a run changed the published repo
type Result struct {
	// Location names where the first significant change was found; it is
	// empty when Significant is false
	Location    string
	Significant bool
	// Paths lists JSON pointer paths or file names that changed
	Paths []string
}

// FileLister reports the files changed in a repository directory since the
// last commit
type FileLister interface {
	ChangedFiles(ctx context.Context, dir string) ([]string, error)
}

// ComparePackages compares the package lists of two index snapshots by value.
// Every other section of the index is ignored.
func ComparePackages(before, after *index.Index) (Result, error) {
	patch, err := jsondiff.Compare(packagesOf(before), packagesOf(after))
	if err != nil {
		return Result{}, fmt.Errorf("failed to diff index packages: %w", err)
	}
	if len(patch) == 0 {
		return Result{}, nil
	}

	paths := make([]string, 0, len(patch))
	for _, op := range patch {
		paths = append(paths, "/"+LocationPackages+op.Path)
	}
	return Result{Location: LocationPackages, Significant: true, Paths: paths}, nil
}

// packagesOf returns the package lists of idx with nil lists replaced by
// empty ones, so null and [] compare equal
func packagesOf(idx *index.Index) map[string][]index.Package {
	out := map[string][]index.Package{}
	if idx == nil {
		return out
	}
	for name, records := range idx.Packages {
		if records == nil {
			records = []index.Package{}
		}
		out[name] = records
	}
	return out
}

// Detector decides whether a run is worth publishing
type Detector struct {
	files  FileLister
	filter *Filter
	logger *slog.Logger
}

// NewDetector creates a detector. files may be nil, which disables the
// file based fallback.
func NewDetector(files FileLister, filter *Filter, logger *slog.Logger) *Detector {
	return &Detector{
		files:  files,
		filter: filter,
		logger: logger,
	}
}

// Detect compares the index before and after a run. When the package lists
// are equal it falls back to the files changed in repoDir: the index files
// change on every run, so only other files count.
func (d *Detector) Detect(ctx context.Context, before, after *index.Index, repoDir string) (Result, error) {
	result, err := ComparePackages(before, after)
	if err != nil {
		return Result{}, err
	}
	if result.Significant {
		d.logger.Info("index had a significant change", "location", result.Location, "paths", len(result.Paths))
		for _, p := range result.Paths {
			d.logger.Debug("changed index path", "path", p)
		}
		return result, nil
	}

	d.logger.Info("index packages did not change significantly")
	if d.files == nil {
		return Result{}, nil
	}

	changed, err := d.files.ChangedFiles(ctx, repoDir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list changed files: %w", err)
	}

	for _, name := range changed {
		significant, err := d.filter.Match(name)
		if err != nil {
			d.logger.Warn("failed to evaluate significance filter", "file", name, "error", err)
			continue
		}
		if !significant {
			d.logger.Debug("ignoring changed file", "file", name)
			continue
		}
		d.logger.Info("file is a significant change", "file", name)
		if !result.Significant {
			result.Significant = true
			result.Location = name
		}
		result.Paths = append(result.Paths, name)
	}

	if !result.Significant {
		d.logger.Info("no relevant changes found", "changed_files", len(changed))
	}
	return result, nil
}
