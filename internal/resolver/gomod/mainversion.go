package gomod

import (
	"strings"

	lockgomod "github.com/containerbuildsystem/cachi2-go/internal/lock/gomod"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// ResolveMainModuleVersion derives the main module's version from git
// tags, in precedence order:
//
//  1. the highest matching semver tag pointing directly at HEAD,
//  2. otherwise a pseudo-version built from the highest matching semver
//     tag reachable from HEAD (or from nothing when no tag qualifies).
//
// Tags for a submodule (subpath non-empty) must carry the "subpath/"
// prefix; the prefix is stripped before semver comparison.
func ResolveMainModuleVersion(repoDir, modulePath, subpath string) (string, error) {
	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", errors.Wrapf(err, "opening repository at %s", repoDir)
	}
	head, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "resolving HEAD")
	}
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return "", errors.Wrap(err, "reading HEAD commit")
	}

	tagsByCommit, err := collectTags(repo, subpath)
	if err != nil {
		return "", err
	}

	if v := lockgomod.ReleaseAtCommit(tagsByCommit[head.Hash()], modulePath); v != "" {
		return v, nil
	}

	base, err := highestReachableTag(repo, headCommit, tagsByCommit, modulePath)
	if err != nil {
		return "", err
	}
	shortHash := head.Hash().String()[:12]
	return lockgomod.PseudoVersion(base, modulePath, headCommit.Committer.When, shortHash), nil
}

// collectTags maps each tagged commit to its candidate version strings,
// resolving annotated tags to their target commits and applying the
// submodule "subpath/" prefix filter.
func collectTags(repo *git.Repository, subpath string) (map[plumbing.Hash][]string, error) {
	out := map[plumbing.Hash][]string{}
	iter, err := repo.Tags()
	if err != nil {
		return nil, errors.Wrap(err, "listing tags")
	}
	defer iter.Close()
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if subpath != "" {
			rest, ok := strings.CutPrefix(name, subpath+"/")
			if !ok {
				return nil
			}
			name = rest
		} else if strings.Contains(name, "/") {
			// A "sub/dir/vX.Y.Z" tag belongs to a submodule, not the root.
			return nil
		}
		target := ref.Hash()
		if tag, terr := repo.TagObject(ref.Hash()); terr == nil {
			commit, cerr := tag.Commit()
			if cerr != nil {
				return nil
			}
			target = commit.Hash
		}
		out[target] = append(out[target], name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// highestReachableTag walks the history from head and returns the highest
// matching tag on any ancestor commit (excluding head itself, which tier 1
// already considered), or "" when none qualifies.
func highestReachableTag(repo *git.Repository, head *object.Commit, tagsByCommit map[plumbing.Hash][]string, modulePath string) (string, error) {
	iter := object.NewCommitPreorderIter(head, nil, nil)
	defer iter.Close()
	var candidates []string
	err := iter.ForEach(func(c *object.Commit) error {
		if c.Hash == head.Hash {
			return nil
		}
		candidates = append(candidates, tagsByCommit[c.Hash]...)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walking history")
	}
	return lockgomod.HighestMatchingTag(candidates, modulePath), nil
}
