package apps

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRepoURL is returned when a source URL does not name an owner and a project
var ErrInvalidRepoURL = errors.New("invalid repository URL")

// Repo identifies a source repository on its hosting platform
type Repo struct {
	Owner   string
	Project string
	Host    string
}

// ParseRepoURL derives the repository identity from a source URL.
// The URL must be absolute and its path must start with two non-empty
// segments: the owner and the project.
func ParseRepoURL(raw string) (Repo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Repo{}, fmt.Errorf("%w %q: %v", ErrInvalidRepoURL, raw, err)
	}
	if !u.IsAbs() {
		return Repo{}, fmt.Errorf("%w %q: not an absolute URL", ErrInvalidRepoURL, raw)
	}

	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return Repo{}, fmt.Errorf("%w %q: path must have at least 2 segments", ErrInvalidRepoURL, raw)
	}

	return Repo{
		Owner:   segments[0],
		Project: strings.TrimSuffix(segments[1], ".git"),
		Host:    strings.TrimPrefix(u.Hostname(), "www."),
	}, nil
}

// String returns owner/project
func (r Repo) String() string {
	return r.Owner + "/" + r.Project
}
