package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"github.com/metasync/metasync/internal/apps"
)

// RepoInfo holds the repository facts that feed the store listing
type RepoInfo struct {
	Description string
	// License is the SPDX identifier detected by the platform
	License string
}

// Client retrieves repositories and releases from the source platform
type Client interface {
	Repository(ctx context.Context, repo apps.Repo) (*RepoInfo, error)
	Releases(ctx context.Context, repo apps.Repo) ([]apps.Release, error)
	DownloadAsset(ctx context.Context, repo apps.Repo, asset apps.Asset, w io.Writer) error
}

const releasesPerPage = 100

// DefaultTimeout bounds API calls and asset downloads
const DefaultTimeout = 5 * time.Minute

// GitHubClient implements Client against the GitHub REST API
type GitHubClient struct {
	gh         *github.Client
	downloader *http.Client
}

// NewGitHubClient creates a client. token may be empty for anonymous access.
// baseURL selects a GitHub Enterprise API root; empty means github.com.
func NewGitHubClient(httpClient *http.Client, token, baseURL string) (*GitHubClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub base URL %q: %w", baseURL, err)
		}
	}

	return &GitHubClient{gh: gh, downloader: httpClient}, nil
}

// Repository returns the description and license of repo
func (c *GitHubClient) Repository(ctx context.Context, repo apps.Repo) (*RepoInfo, error) {
	r, _, err := c.gh.Repositories.Get(ctx, repo.Owner, repo.Project)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", repo, err)
	}

	info := &RepoInfo{Description: r.GetDescription()}
	if lic := r.GetLicense(); lic != nil {
		info.License = lic.GetSPDXID()
	}
	return info, nil
}

// Releases lists every release of repo, newest first, following pagination
func (c *GitHubClient) Releases(ctx context.Context, repo apps.Repo) ([]apps.Release, error) {
	var releases []apps.Release

	opts := &github.ListOptions{PerPage: releasesPerPage}
	for {
		page, resp, err := c.gh.Repositories.ListReleases(ctx, repo.Owner, repo.Project, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list releases of %s: %w", repo, err)
		}
		for _, r := range page {
			releases = append(releases, convertRelease(r))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return releases, nil
}

// DownloadAsset streams the content of asset into w
func (c *GitHubClient) DownloadAsset(ctx context.Context, repo apps.Repo, asset apps.Asset, w io.Writer) error {
	rc, _, err := c.gh.Repositories.DownloadReleaseAsset(ctx, repo.Owner, repo.Project, asset.ID, c.downloader)
	if err != nil {
		return fmt.Errorf("failed to download asset %s: %w", asset.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("failed to read asset %s: %w", asset.Name, err)
	}
	return nil
}

func convertRelease(r *github.RepositoryRelease) apps.Release {
	release := apps.Release{
		TagName:    r.GetTagName(),
		Prerelease: r.GetPrerelease(),
		Draft:      r.GetDraft(),
		Body:       r.GetBody(),
		Assets:     make([]apps.Asset, 0, len(r.Assets)),
	}
	for _, a := range r.Assets {
		release.Assets = append(release.Assets, apps.Asset{
			ID:    a.GetID(),
			Name:  a.GetName(),
			State: a.GetState(),
			Size:  int64(a.GetSize()),
		})
	}
	return release
}
