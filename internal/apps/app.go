package apps

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRegistryEntry marks a registry entry that could not be used
var ErrInvalidRegistryEntry = errors.New("invalid registry entry")

// App is one tracked application from the registry file
type App struct {
	Git          string   `yaml:"git"`
	Summary      string   `yaml:"summary"`
	Author       string   `yaml:"author"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Categories   []string `yaml:"categories"`
	AntiFeatures []string `yaml:"anti_features"`
	License      string   `yaml:"license"`

	// Key is the mapping key the app was declared under
	Key string `yaml:"-"`
	// RepoAuthor is the repository owner login taken from Git
	RepoAuthor string `yaml:"-"`
	// ReleaseNotes holds the body of the release currently being processed
	ReleaseNotes string `yaml:"-"`
}

// AppName returns the registry key, or the declared name if the key is unset
func (a App) AppName() string {
	if a.Key != "" {
		return a.Key
	}
	return a.Name
}

// AuthorName returns the declared author, or the repository owner
func (a App) AuthorName() string {
	if a.Author != "" {
		return a.Author
	}
	return a.RepoAuthor
}

// DisplayName returns the human-readable name shown in the store listing
func (a App) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.AppName()
}

// EntryError reports a registry entry that was skipped
type EntryError struct {
	Key string
	Err error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("registry entry %q: %v", e.Key, e.Err)
}

func (e *EntryError) Unwrap() []error {
	return []error{ErrInvalidRegistryEntry, e.Err}
}

// Registry is the parsed registry file
type Registry struct {
	// Apps holds the valid entries sorted by key
	Apps []App
	// Invalid holds one *EntryError per skipped entry
	Invalid []error
}

// Lookup returns the app declared under key
func (r *Registry) Lookup(key string) (App, bool) {
	for _, app := range r.Apps {
		if app.Key == key {
			return app, true
		}
	}
	return App{}, false
}

// LoadRegistry reads and parses the registry file at path
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	reg, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}
	return reg, nil
}

// ParseRegistry decodes a registry document. Each entry is decoded on its own
// so that one malformed entry does not discard the rest; such entries end up
// in Registry.Invalid. An error is returned only when the document itself is
// not a mapping.
func ParseRegistry(data []byte) (*Registry, error) {
	var entries map[string]yaml.Node
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	reg := &Registry{Apps: make([]App, 0, len(entries))}
	for key, node := range entries {
		app, err := parseEntry(key, &node)
		if err != nil {
			reg.Invalid = append(reg.Invalid, &EntryError{Key: key, Err: err})
			continue
		}
		reg.Apps = append(reg.Apps, app)
	}

	sort.Slice(reg.Apps, func(i, j int) bool { return reg.Apps[i].Key < reg.Apps[j].Key })
	sort.Slice(reg.Invalid, func(i, j int) bool {
		return reg.Invalid[i].(*EntryError).Key < reg.Invalid[j].(*EntryError).Key
	})

	return reg, nil
}

func parseEntry(key string, node *yaml.Node) (App, error) {
	if key == "" {
		return App{}, errors.New("empty key")
	}

	var app App
	if err := node.Decode(&app); err != nil {
		return App{}, err
	}
	app.Key = key

	repo, err := ParseRepoURL(app.Git)
	if err != nil {
		return App{}, err
	}
	app.RepoAuthor = repo.Owner

	return app, nil
}
