package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// GitSource clones a registry from a git remote.
type GitSource struct {
	URL string
	// Ref is an optional branch name. The remote's default branch is used
	// when it is empty.
	Ref string
	// Shallow limits the clone to the tip commit.
	Shallow bool
}

var _ Source = &GitSource{}

func (g *GitSource) Location() string { return g.URL }

// Clone performs a single-branch clone of the registry into dest.
func (g *GitSource) Clone(ctx context.Context, dest string) (*Snapshot, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}

	opts := &git.CloneOptions{
		URL:          g.URL,
		Auth:         httpAuth(g.URL),
		SingleBranch: true,
	}
	if g.Shallow {
		opts.Depth = 1
	}
	if g.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(g.Ref)
	}

	repo, err := git.PlainCloneContext(ctx, dest, false, opts)
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", g.URL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("reading HEAD of %s: %w", g.URL, err)
	}

	return &Snapshot{Dir: dest, Commit: head.Hash().String()}, nil
}

// httpAuth returns token credentials from the environment for HTTP(S)
// remotes. Public registries need none.
func httpAuth(rawURL string) transport.AuthMethod {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}

	switch {
	case os.Getenv("FDM_GIT_TOKEN") != "":
		return &http.BasicAuth{Username: "git", Password: os.Getenv("FDM_GIT_TOKEN")}
	case os.Getenv("GITHUB_TOKEN") != "" && strings.EqualFold(u.Hostname(), "github.com"):
		return &http.BasicAuth{Username: "x-access-token", Password: os.Getenv("GITHUB_TOKEN")}
	}
	return nil
}
