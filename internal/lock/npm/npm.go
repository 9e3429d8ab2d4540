// Package npm parses package-lock.json (and npm-shrinkwrap.json) into a
// typed dependency list. Lockfile versions 1, 2, and 3 are
// supported; version 1 uses the nested "dependencies" tree, versions 2 and
// 3 the flat "packages" map keyed by install path.
package npm

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
)

// Kind discriminates a dependency's source.
type Kind string

const (
	KindRegistry Kind = "registry"
	KindURL      Kind = "url"
	KindVCS      Kind = "vcs"
	KindLocal    Kind = "local"
)

// Dependency is a single package entry extracted from the lockfile.
type Dependency struct {
	Kind    Kind
	Name    string
	Version string

	// Resolved is the raw "resolved" field (registry tarball URL, plain
	// URL, normalized git URL, or file: path depending on Kind).
	Resolved string
	// Integrity is the raw SRI string ("sha512-...") when present.
	Integrity string

	// vcs-only: the "git+"-prefixed repository URL (shorthand sources
	// expanded to "git+ssh://git@host/ns/repo") plus the commit.
	VCSURL string
	Ref    string

	Bundled     bool
	Development bool
}

// Checksum converts the SRI Integrity string into a checksum.Info
// (hex-encoded), or returns ok=false when no integrity was recorded.
func (d Dependency) Checksum() (checksum.Info, bool) {
	if d.Integrity == "" {
		return checksum.Info{}, false
	}
	algo, b64, found := strings.Cut(d.Integrity, "-")
	if !found {
		return checksum.Info{}, false
	}
	h, err := checksum.ParseAlgorithm(algo)
	if err != nil {
		return checksum.Info{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return checksum.Info{}, false
	}
	return checksum.Info{Algorithm: h, Hex: hex.EncodeToString(raw)}, true
}

// Lockfile is the decoded package-lock.json with its dependency list.
type Lockfile struct {
	Name            string
	Version         string
	LockfileVersion int
	Dependencies    []Dependency
}

type rawLockfile struct {
	Name            string                `json:"name"`
	Version         string                `json:"version"`
	LockfileVersion int                   `json:"lockfileVersion"`
	Packages        map[string]rawPackage `json:"packages"`
	Dependencies    map[string]rawV1Dep   `json:"dependencies"`
}

type rawPackage struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Resolved  string `json:"resolved"`
	Integrity string `json:"integrity"`
	Link      bool   `json:"link"`
	Dev       bool   `json:"dev"`
	InBundle  bool   `json:"inBundle"`
}

type rawV1Dep struct {
	Version      string              `json:"version"`
	Resolved     string              `json:"resolved"`
	Integrity    string              `json:"integrity"`
	Dev          bool                `json:"dev"`
	Bundled      bool                `json:"bundled"`
	Dependencies map[string]rawV1Dep `json:"dependencies"`
}

// Parse decodes package-lock.json content into a Lockfile. Lockfile
// version 4 and above is rejected with UnsupportedFeature.
func Parse(data []byte) (*Lockfile, error) {
	var raw rawLockfile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, cachierr.UnexpectedFormat("parsing package-lock.json: %s", err).WithCause(err)
	}
	lf := &Lockfile{Name: raw.Name, Version: raw.Version, LockfileVersion: raw.LockfileVersion}
	switch {
	case raw.LockfileVersion >= 4:
		return nil, cachierr.Unsupported("lockfile version %d is not supported", raw.LockfileVersion).
			WithSolution("regenerate the lockfile with a supported npm version (lockfileVersion 1-3)")
	case raw.LockfileVersion >= 2:
		deps, err := parsePackages(raw.Packages)
		if err != nil {
			return nil, err
		}
		lf.Dependencies = deps
	default:
		lf.Dependencies = parseV1Tree(raw.Dependencies, false)
	}
	sort.Slice(lf.Dependencies, func(i, j int) bool {
		a, b := lf.Dependencies[i], lf.Dependencies[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
	return lf, nil
}

// parsePackages walks the flat v2/v3 "packages" map. The "" key is the
// root project itself; entries with "link": true are workspace links and
// dropped, because the linked workspace is itself listed as a package.
func parsePackages(packages map[string]rawPackage) ([]Dependency, error) {
	keys := make([]string, 0, len(packages))
	for k := range packages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []Dependency
	for _, path := range keys {
		pkg := packages[path]
		if path == "" || pkg.Link {
			continue
		}
		name := pkg.Name
		if name == "" {
			name = nameFromPath(path)
		}
		if name == "" {
			return nil, cachierr.UnexpectedFormat("unable to determine package name for lockfile entry %q", path)
		}
		dep, err := classify(name, pkg.Version, pkg.Resolved)
		if err != nil {
			return nil, err
		}
		if dep.Kind == KindRegistry && dep.Version != "" {
			if _, err := semver.StrictNewVersion(dep.Version); err != nil {
				return nil, cachierr.UnexpectedFormat("registry package %q has a non-semver version %q", name, dep.Version)
			}
		}
		dep.Integrity = pkg.Integrity
		dep.Development = pkg.Dev
		dep.Bundled = pkg.InBundle
		out = append(out, dep)
	}
	return out, nil
}

// nameFromPath derives a package name from its install path: the last
// path component, or "@scope/leaf" reconstructed by combining the parent
// directory name (leading "@") with the leaf.
func nameFromPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) == 0 {
		return ""
	}
	leaf := parts[len(parts)-1]
	if len(parts) >= 2 && strings.HasPrefix(parts[len(parts)-2], "@") {
		return parts[len(parts)-2] + "/" + leaf
	}
	return leaf
}

func parseV1Tree(deps map[string]rawV1Dep, parentBundled bool) []Dependency {
	names := make([]string, 0, len(deps))
	for n := range deps {
		names = append(names, n)
	}
	sort.Strings(names)
	var out []Dependency
	for _, name := range names {
		d := deps[name]
		dep, err := classify(name, d.Version, d.Resolved)
		if err != nil {
			// v1 entries with an unclassifiable source are skipped the way
			// npm itself tolerates them; v2/v3 is strict.
			continue
		}
		dep.Integrity = d.Integrity
		dep.Development = d.Dev
		dep.Bundled = d.Bundled || parentBundled
		out = append(out, dep)
		out = append(out, parseV1Tree(d.Dependencies, dep.Bundled)...)
	}
	return out
}

// classify determines the source kind from the resolved/version fields:
// http(s):// is a URL unless it is a registry tarball;
// git+*/git:///github:/gitlab:/bitbucket: are VCS (shorthands expanded to
// git+ssh:// with a full host); file: is local; anything else is registry.
func classify(name, version, resolved string) (Dependency, error) {
	src := resolved
	if src == "" {
		src = version
	}
	switch {
	case isVCS(src):
		vcsURL, ref, err := normalizeVCS(src)
		if err != nil {
			return Dependency{}, err
		}
		return Dependency{Kind: KindVCS, Name: name, Version: version, Resolved: src, VCSURL: vcsURL, Ref: ref}, nil
	case strings.HasPrefix(src, "file:"):
		return Dependency{Kind: KindLocal, Name: name, Version: version, Resolved: src}, nil
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		if isRegistryTarball(src) {
			return Dependency{Kind: KindRegistry, Name: name, Version: version, Resolved: resolved}, nil
		}
		return Dependency{Kind: KindURL, Name: name, Version: version, Resolved: src}, nil
	default:
		return Dependency{Kind: KindRegistry, Name: name, Version: version, Resolved: resolved}, nil
	}
}

func isVCS(src string) bool {
	for _, prefix := range []string{"git+", "git://", "github:", "gitlab:", "bitbucket:"} {
		if strings.HasPrefix(src, prefix) {
			return true
		}
	}
	return false
}

// isRegistryTarball distinguishes a registry-hosted tarball URL from a
// plain URL dependency: registry URLs follow the /<name>/-/<file>.tgz
// convention.
func isRegistryTarball(src string) bool {
	return strings.Contains(src, "/-/")
}

var shorthandHosts = map[string]string{
	"github":    "github.com",
	"gitlab":    "gitlab.com",
	"bitbucket": "bitbucket.org",
}

// normalizeVCS splits npm's git source spellings into a "git+"-prefixed URL
// and the commit-ish after "#". The github:/gitlab:/bitbucket: shorthands
// become "git+ssh://git@<full-host>/<path>"; ssh, https, http and git URLs
// keep their own scheme.
func normalizeVCS(src string) (vcsURL, ref string, err error) {
	src, ref, _ = cutLast(src, "#")
	for short, host := range shorthandHosts {
		if rest, ok := strings.CutPrefix(src, short+":"); ok {
			return "git+ssh://git@" + host + "/" + strings.TrimPrefix(rest, "/"), ref, nil
		}
	}
	src = strings.TrimPrefix(src, "git+")
	switch {
	case strings.HasPrefix(src, "ssh://"):
		return "git+" + src, ref, nil
	case strings.HasPrefix(src, "https://"), strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "git://"):
		return "git+" + src, ref, nil
	default:
		return "", "", cachierr.Unsupported("unsupported npm git source: %s", src)
	}
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
