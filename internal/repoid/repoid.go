// Package repoid canonicalizes a source tree's git origin URL and HEAD
// commit, the only inputs needed to build the vcs_url qualifier that
// identifies the project itself in the emitted SBOM.
package repoid

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// ErrUnsupportedRemote is returned when origin is neither an HTTP(S) URL nor
// an SCP-style remote (e.g. a bare filesystem path).
var ErrUnsupportedRemote = errors.New("unsupported repository remote")

// scpLike matches "user@host:path" and "host:path" SCP-style remotes.
var scpLike = regexp.MustCompile(`^(?:([^@]+)@)?([a-zA-Z0-9._-]+):(.+)$`)

// RepoID is the canonicalized origin + HEAD commit of a source tree.
type RepoID struct {
	CanonicalURL string
	CommitID     string
}

// FromWorktree opens the git repository at dir and resolves its origin
// remote and HEAD commit.
func FromWorktree(dir string) (*RepoID, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, errors.Wrapf(err, "opening repository at %s", dir)
	}
	remote, err := repo.Remote(git.DefaultRemoteName)
	if err != nil {
		return nil, errors.Wrap(err, "reading origin remote")
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil, errors.New("origin remote has no URLs")
	}
	canonical, err := Canonicalize(urls[0])
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, errors.Wrap(err, "resolving HEAD")
	}
	return &RepoID{CanonicalURL: canonical, CommitID: head.Hash().String()}, nil
}

// Canonicalize normalizes a git remote URL into a scheme-qualified form
// suitable for use as a purl vcs_url qualifier:
//   - SCP-style remotes (git@host:path, host:path) become ssh://host/path.
//   - http(s):// URLs have embedded credentials stripped.
//   - anything else (relative/absolute filesystem paths) is rejected.
func Canonicalize(remote string) (string, error) {
	if m := scpLike.FindStringSubmatch(remote); m != nil && !strings.Contains(remote, "://") {
		host, path := m[2], m[3]
		path = strings.TrimPrefix(path, "/")
		return "ssh://" + host + "/" + path, nil
	}
	u, err := url.Parse(remote)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.Wrapf(ErrUnsupportedRemote, "%q", remote)
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
		u.User = nil
		return u.String(), nil
	default:
		return "", errors.Wrapf(ErrUnsupportedRemote, "%q", remote)
	}
}

// AsVCSURLQualifier returns "git+<canonical-url>@<commit-id>", used
// verbatim as the vcs_url purl qualifier.
func (r *RepoID) AsVCSURLQualifier() string {
	return "git+" + r.CanonicalURL + "@" + r.CommitID
}
