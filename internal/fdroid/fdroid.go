package fdroid

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// UpdateOptions selects the variant of `fdroid update` to run
type UpdateOptions struct {
	// CreateMetadata creates metadata stubs for packages that have none
	CreateMetadata bool
}

// Indexer rebuilds the repository index from the files on disk
type Indexer interface {
	Update(ctx context.Context, opts UpdateOptions) error
}

// Client implements Indexer by shelling out to the fdroid server tools
type Client struct {
	command string
	dir     string
}

// NewClient creates a client running command in dir, the directory holding
// config.yml, repo/ and metadata/
func NewClient(command, dir string) *Client {
	if command == "" {
		command = "fdroid"
	}
	return &Client{
		command: command,
		dir:     dir,
	}
}

// Update runs `fdroid update`
func (c *Client) Update(ctx context.Context, opts UpdateOptions) error {
	args := updateArgs(opts)
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = c.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", c.command, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func updateArgs(opts UpdateOptions) []string {
	args := []string{"update", "--pretty"}
	if opts.CreateMetadata {
		args = append(args, "--create-metadata")
	}
	return append(args, "--delete-unknown")
}
