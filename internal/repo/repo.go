package repo

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/pkg/log"
)

const DETACHED = "HEAD"

// Info describes the checked out revision which is built.
type Info struct {
	Dir     string
	Slug    string
	Branch  string
	Tag     string
	Commit  string
	Author  string
	Message string
}

// Inspect reads repository metadata of the given directory. A directory
// which is not a git repository produces Info with Slug set to the directory
// name. CI_BRANCH and CI_COMMIT environment variables override detected
// values.
func Inspect(dir string) (Info, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return Info{}, karma.Format(err, "unable to get absolute path of %q", dir)
	}

	info := Info{
		Dir:  dir,
		Slug: filepath.Base(dir),
	}

	repository, err := git.PlainOpenWithOptions(
		dir,
		&git.PlainOpenOptions{DetectDotGit: true},
	)
	switch {
	case err == git.ErrRepositoryNotExists:
		log.Warningf(
			karma.Describe("dir", dir).Reason(nil),
			"not a git repository, commit information is not available",
		)

	case err != nil:
		return info, karma.Format(err, "unable to open git repository: %s", dir)

	default:
		err = inspect(repository, &info)
		if err != nil {
			return info, err
		}
	}

	if branch := os.Getenv("CI_BRANCH"); branch != "" {
		info.Branch = branch
	}

	if commit := os.Getenv("CI_COMMIT"); commit != "" {
		info.Commit = commit
	}

	return info, nil
}

func inspect(repository *git.Repository, info *Info) error {
	head, err := repository.Head()
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			if worktree, err := repository.Worktree(); err == nil {
				info.Dir = worktree.Filesystem.Root()
			}

			// no commits yet
			info.Branch = DETACHED
			return nil
		}

		return karma.Format(err, "unable to resolve HEAD")
	}

	worktree, err := repository.Worktree()
	if err == nil {
		info.Dir = worktree.Filesystem.Root()
	}

	info.Commit = head.Hash().String()

	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	} else {
		info.Branch = DETACHED
	}

	commit, err := repository.CommitObject(head.Hash())
	if err != nil {
		return karma.Format(err, "unable to read commit %s", info.Commit)
	}

	info.Author = commit.Author.Name
	info.Message = strings.TrimSpace(commit.Message)

	tags, err := repository.Tags()
	if err == nil {
		_ = tags.ForEach(func(ref *plumbing.Reference) error {
			if ref.Hash() == head.Hash() {
				info.Tag = ref.Name().Short()
			}
			return nil
		})
	}

	info.Slug = filepath.Base(info.Dir)

	remote, err := repository.Remote(git.DefaultRemoteName)
	if err == nil && len(remote.Config().URLs) > 0 {
		if slug := SlugFromURL(remote.Config().URLs[0]); slug != "" {
			info.Slug = slug
		}
	}

	return nil
}

// SlugFromURL extracts owner/name from a remote url, both
// git@host:owner/name.git and https://host/owner/name.git forms are
// supported.
func SlugFromURL(remote string) string {
	remote = strings.TrimSuffix(strings.TrimSpace(remote), "/")
	remote = strings.TrimSuffix(remote, ".git")

	var path string
	if parsed, err := url.Parse(remote); err == nil && parsed.Scheme != "" {
		path = parsed.Path
	} else if index := strings.Index(remote, ":"); index >= 0 {
		path = remote[index+1:]
	} else {
		path = remote
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return ""
	}

	return strings.Join(parts[len(parts)-2:], "/")
}

// Clone checks out the inspected commit of the repository into dir. Changes
// which are not committed are not cloned.
func Clone(ctx context.Context, info Info, dir string) error {
	if info.Commit == "" {
		return karma.Format(nil, "repository %s has no commits", info.Dir)
	}

	repository, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:        info.Dir,
		NoCheckout: true,
	})
	if err != nil {
		return karma.Format(err, "unable to clone repository %s", info.Dir)
	}

	worktree, err := repository.Worktree()
	if err != nil {
		return karma.Format(err, "unable to get worktree of %s", dir)
	}

	err = worktree.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(info.Commit),
		Force: true,
	})
	if err != nil {
		return karma.Format(err, "unable to checkout commit %s", info.Commit)
	}

	return nil
}
