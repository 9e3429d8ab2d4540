// Package cargo parses Cargo.lock and the main package's Cargo.toml.
// The lockfile is decoded as full TOML; a dependency is anything
// with both a source and a checksum (path and git entries carry neither
// and are the workspace's own members or unverifiable sources).
package cargo

import (
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	cratesio "github.com/containerbuildsystem/cachi2-go/pkg/registry/cratesio"
	toml "github.com/pelletier/go-toml/v2"
)

// Package is one [[package]] entry from Cargo.lock.
type Package struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Source   string `toml:"source"`
	Checksum string `toml:"checksum"`
}

// Lockfile is the decoded Cargo.lock.
type Lockfile struct {
	Version  int       `toml:"version"`
	Packages []Package `toml:"package"`
}

// Parse decodes Cargo.lock content.
func Parse(data []byte) (*Lockfile, error) {
	var lf Lockfile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, cachierr.UnexpectedFormat("parsing Cargo.lock: %s", err).WithCause(err)
	}
	return &lf, nil
}

// Remote reports whether the package is a downloadable dependency: both a
// source and a checksum are recorded.
func (p Package) Remote() bool {
	return p.Source != "" && p.Checksum != ""
}

// CratesIO reports whether the package comes from the default crates.io
// registry.
func (p Package) CratesIO() bool {
	return strings.Contains(p.Source, "crates.io-index")
}

// MainPackage reads the [package] section of Cargo.toml. Virtual
// workspaces (no [package] name) fall back to the directory name with an
// absent version.
func MainPackage(cargoTomlData []byte, dirName string) (name, version string, err error) {
	var manifest cratesio.CargoTOML
	if err := toml.Unmarshal(cargoTomlData, &manifest); err != nil {
		return "", "", cachierr.UnexpectedFormat("parsing Cargo.toml: %s", err).WithCause(err)
	}
	if manifest.PackageManifest.Name == "" {
		return dirName, "", nil
	}
	v := manifest.PackageManifest.Version()
	if v == cratesio.WorkspaceVersion {
		v = ""
	}
	return manifest.PackageManifest.Name, v, nil
}
