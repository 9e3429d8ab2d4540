// Package purl builds canonical package URLs for SBOM components, shared
// by every ecosystem resolver, adapting the construction shown in
// melange's build-config purl helper to cachi2's per-ecosystem needs.
package purl

import (
	"sort"
	"strings"

	packageurl "github.com/package-url/packageurl-go"
)

// Qualifiers is an ordered key/value map rendered as "?k=v&k2=v2" by
// packageurl-go, sorted for deterministic output.
type Qualifiers map[string]string

func qualifiers(q Qualifiers) packageurl.Qualifiers {
	if len(q) == 0 {
		return nil
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(packageurl.Qualifiers, 0, len(q))
	for _, k := range keys {
		out = append(out, packageurl.Qualifier{Key: k, Value: q[k]})
	}
	return out
}

func build(typ, namespace, name, version string, q Qualifiers, subpath string) string {
	u := packageurl.NewPackageURL(typ, namespace, name, version, qualifiers(q), subpath)
	return u.ToString()
}

// Golang builds pkg:golang/<realpath>@<version>?type={module|package},
// splitting the import path into purl namespace/name so the slashes
// survive encoding.
func Golang(importPath, version string, isPackage bool) string {
	typ := "module"
	if isPackage {
		typ = "package"
	}
	namespace, name := splitImportPath(importPath)
	return build(packageurl.TypeGolang, namespace, name, version, Qualifiers{"type": typ}, "")
}

func splitImportPath(importPath string) (namespace, name string) {
	if idx := strings.LastIndexByte(importPath, '/'); idx >= 0 {
		return importPath[:idx], importPath[idx+1:]
	}
	return "", importPath
}

// PyPI builds pkg:pypi/<name>@<version>[?repository_url=...].
func PyPI(name, version, repositoryURL string) string {
	q := Qualifiers{}
	if repositoryURL != "" {
		q["repository_url"] = repositoryURL
	}
	return build(packageurl.TypePyPi, "", name, version, q, "")
}

// PyPIURL builds a pip URL-sourced dependency purl.
func PyPIURL(name, downloadURL, checksum string) string {
	q := Qualifiers{"download_url": downloadURL}
	if checksum != "" {
		q["checksum"] = checksum
	}
	return build(packageurl.TypePyPi, "", name, "", q, "")
}

// PyPIVCS builds a pip VCS-sourced dependency purl.
func PyPIVCS(name, vcsURL string) string {
	return build(packageurl.TypePyPi, "", name, "", Qualifiers{"vcs_url": vcsURL}, "")
}

// PyPIMain builds the main pip package's purl, carrying the repository's
// vcs_url qualifier and the package's subpath within the repo.
func PyPIMain(name, version, vcsURL, subpath string) string {
	q := Qualifiers{}
	if vcsURL != "" {
		q["vcs_url"] = vcsURL
	}
	return build(packageurl.TypePyPi, "", name, version, q, subpath)
}

// NPMMain builds the main npm package's purl, carrying the repository's
// vcs_url qualifier and the package's subpath within the repo.
func NPMMain(name, version, vcsURL, subpath string) string {
	namespace, short := splitScope(name)
	q := Qualifiers{}
	if vcsURL != "" {
		q["vcs_url"] = vcsURL
	}
	return build(packageurl.TypeNPM, namespace, short, version, q, subpath)
}

// NPM builds pkg:npm/<name>@<version>, splitting a scoped name
// ("@scope/name") into the purl namespace.
func NPM(name, version string) string {
	namespace, short := splitScope(name)
	return build(packageurl.TypeNPM, namespace, short, version, nil, "")
}

// NPMURL builds a URL-sourced npm dependency purl.
func NPMURL(name, downloadURL string) string {
	namespace, short := splitScope(name)
	return build(packageurl.TypeNPM, namespace, short, "", Qualifiers{"download_url": downloadURL}, "")
}

// NPMVCS builds a VCS-sourced npm dependency purl.
func NPMVCS(name, vcsURL string) string {
	namespace, short := splitScope(name)
	return build(packageurl.TypeNPM, namespace, short, "", Qualifiers{"vcs_url": vcsURL}, "")
}

func splitScope(name string) (namespace, short string) {
	if len(name) > 0 && name[0] == '@' {
		for i := 1; i < len(name); i++ {
			if name[i] == '/' {
				return name[:i], name[i+1:]
			}
		}
	}
	return "", name
}

// GemMain builds the main Bundler package's purl with the repository's
// vcs_url qualifier.
func GemMain(name, version, vcsURL, subpath string) string {
	q := Qualifiers{}
	if vcsURL != "" {
		q["vcs_url"] = vcsURL
	}
	return build(packageurl.TypeGem, "", name, version, q, subpath)
}

// CargoMain builds the main Cargo package's purl with the repository's
// vcs_url qualifier.
func CargoMain(name, version, vcsURL, subpath string) string {
	q := Qualifiers{}
	if vcsURL != "" {
		q["vcs_url"] = vcsURL
	}
	return build(packageurl.TypeCargo, "", name, version, q, subpath)
}

// Gem builds pkg:gem/<name>@<version>.
func Gem(name, version string) string {
	return build(packageurl.TypeGem, "", name, version, nil, "")
}

// GemGit builds a git-sourced Bundler dependency purl.
func GemGit(name, vcsURL string) string {
	return build(packageurl.TypeGem, "", name, "", Qualifiers{"vcs_url": vcsURL}, "")
}

// Cargo builds pkg:cargo/<name>@<version>.
func Cargo(name, version string) string {
	return build(packageurl.TypeCargo, "", name, version, nil, "")
}

// RPM builds pkg:rpm/<vendor>?/<name>@<ver>-<rel>?arch=&checksum=&....
type RPMSpec struct {
	Vendor    string
	Name      string
	Version   string
	Release   string
	Arch      string
	Checksum  string
	RepositID string
}

// RPM builds an RPM package purl from its NEVRA plus repo qualifiers.
func RPM(s RPMSpec) string {
	version := s.Version
	if s.Release != "" {
		version += "-" + s.Release
	}
	q := Qualifiers{}
	if s.Arch != "" {
		q["arch"] = s.Arch
	}
	if s.Checksum != "" {
		q["checksum"] = s.Checksum
	}
	if s.RepositID != "" {
		q["repository_id"] = s.RepositID
	}
	return build(packageurl.TypeRPM, s.Vendor, s.Name, version, q, "")
}

// VCSURLMain builds the main project's purl qualifier value
// "git+<canonical-origin>@<head-commit>".
func VCSURLMain(canonicalOrigin, headCommit string) string {
	return "git+" + canonicalOrigin + "@" + headCommit
}
