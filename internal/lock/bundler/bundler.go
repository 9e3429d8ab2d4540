// Package bundler parses Gemfile.lock into a typed dependency list.
// The lockfile is a line-oriented format of sections (GEM, GIT,
// PATH, PLATFORMS, DEPENDENCIES, ...) whose "specs:" blocks list pinned
// gems at four-space indentation; deeper indentation is transitive
// requirement metadata and is skipped.
package bundler

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
)

// Kind discriminates a gem's source.
type Kind string

const (
	KindRubygems Kind = "rubygems"
	KindGit      Kind = "git"
	KindPath     Kind = "path"
)

// Dependency is a single pinned gem from Gemfile.lock.
type Dependency struct {
	Kind    Kind
	Name    string
	Version string

	// rubygems: the "remote:" source URL of the GEM section.
	Remote string
	// Platform is non-empty for platform-specific (binary) gems, parsed
	// from a "name (version-platform)" spec line.
	Platform string

	// git
	URL      string
	Revision string
	Branch   string

	// path
	Path string
}

var specRE = regexp.MustCompile(`^ {4}([^\s(]+)(?: \(([^)]+)\))?$`)

var fullCommitRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// knownPlatforms is the suffix set bundler appends to versions of
// precompiled gems (e.g. "1.15.5-x86_64-linux").
var knownPlatforms = []string{
	"x86_64-linux", "aarch64-linux", "arm64-darwin", "x86_64-darwin",
	"x86-linux", "arm-linux", "java", "x64-mingw32", "x64-mingw-ucrt",
}

// Parse decodes Gemfile.lock content. Rubygems remotes must be HTTPS, git
// revisions must be full 40-hex commits, and path sources are returned
// as-is for the caller to containment-check against the package root.
func Parse(content string) ([]Dependency, error) {
	var out []Dependency

	section := ""
	var remote, revision, branch, gitURL, pathDir string
	inSpecs := false

	flushGitPath := func() {
		remote, revision, branch, gitURL, pathDir = "", "", "", "", ""
		inSpecs = false
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		// Section headers are flush-left and all-caps.
		if !strings.HasPrefix(line, " ") {
			section = trimmed
			flushGitPath()
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, "remote:"):
			value := strings.TrimSpace(strings.TrimPrefix(trimmed, "remote:"))
			switch section {
			case "GEM":
				if !strings.HasPrefix(value, "https://") {
					return nil, cachierr.PackageRejected("Gemfile.lock rubygems remote must use HTTPS: %s", value).
						WithSolution("change the Gemfile source to an https:// URL")
				}
				remote = value
			case "GIT":
				gitURL = value
			case "PATH":
				pathDir = value
			}
		case strings.HasPrefix(trimmed, "revision:"):
			revision = strings.TrimSpace(strings.TrimPrefix(trimmed, "revision:"))
		case strings.HasPrefix(trimmed, "branch:"):
			branch = strings.TrimSpace(strings.TrimPrefix(trimmed, "branch:"))
		case trimmed == "specs:":
			inSpecs = true
		default:
			if !inSpecs {
				continue
			}
			m := specRE.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			name, rawVersion := m[1], m[2]
			dep, err := buildDependency(section, name, rawVersion, remote, gitURL, revision, branch, pathDir)
			if err != nil {
				return nil, err
			}
			if dep != nil {
				out = append(out, *dep)
			}
		}
	}
	return out, nil
}

func buildDependency(section, name, rawVersion, remote, gitURL, revision, branch, pathDir string) (*Dependency, error) {
	version, platform := splitPlatform(rawVersion)
	switch section {
	case "GEM":
		if version == "" {
			return nil, cachierr.UnexpectedFormat("gem %q has no pinned version in Gemfile.lock", name)
		}
		return &Dependency{Kind: KindRubygems, Name: name, Version: version, Remote: remote, Platform: platform}, nil
	case "GIT":
		if !fullCommitRE.MatchString(revision) {
			return nil, cachierr.PackageRejected("git gem %q is not pinned to a full commit: %q", name, revision).
				WithSolution("run 'bundle lock' so the revision is a 40-character commit hash")
		}
		return &Dependency{Kind: KindGit, Name: name, Version: version, URL: gitURL, Revision: revision, Branch: branch}, nil
	case "PATH":
		return &Dependency{Kind: KindPath, Name: name, Version: version, Path: pathDir}, nil
	default:
		return nil, nil
	}
}

// splitPlatform separates "1.15.5-x86_64-linux" into version and platform.
func splitPlatform(rawVersion string) (version, platform string) {
	for _, p := range knownPlatforms {
		if strings.HasSuffix(rawVersion, "-"+p) {
			return strings.TrimSuffix(rawVersion, "-"+p), p
		}
	}
	return rawVersion, ""
}
