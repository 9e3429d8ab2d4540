// Package rpm parses rpms.lock.yaml: the Red Hat RPM lockfile
// schema with lockfileVersion 1, a vendor marker, and a per-arch list of
// binary and source RPM URLs with optional checksums.
package rpm

import (
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	yaml "gopkg.in/yaml.v3"
)

// Lockfile is the decoded rpms.lock.yaml.
type Lockfile struct {
	LockfileVersion int    `yaml:"lockfileVersion"`
	LockfileVendor  string `yaml:"lockfileVendor"`
	Arches          []Arch `yaml:"arches"`
}

// Arch is one architecture's package set.
type Arch struct {
	Arch     string    `yaml:"arch"`
	Packages []Package `yaml:"packages"`
	Source   []Package `yaml:"source"`
}

// Package is a single RPM (binary or source) entry.
type Package struct {
	URL      string `yaml:"url"`
	RepoID   string `yaml:"repoid"`
	Checksum string `yaml:"checksum"`
	Size     int64  `yaml:"size"`
}

// ParseChecksum splits the "algo:hex" checksum field; ok is false when no
// checksum was declared.
func (p Package) ParseChecksum() (checksum.Info, bool, error) {
	if p.Checksum == "" {
		return checksum.Info{}, false, nil
	}
	algo, hex, found := strings.Cut(p.Checksum, ":")
	if !found || algo == "" || hex == "" {
		return checksum.Info{}, false, cachierr.UnexpectedFormat("invalid checksum %q (expected 'algorithm:digest')", p.Checksum)
	}
	h, err := checksum.ParseAlgorithm(algo)
	if err != nil {
		return checksum.Info{}, false, cachierr.UnexpectedFormat("invalid checksum %q: %s", p.Checksum, err)
	}
	return checksum.Info{Algorithm: h, Hex: hex}, true, nil
}

// Parse decodes and validates rpms.lock.yaml content.
func Parse(data []byte) (*Lockfile, error) {
	var lf Lockfile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, cachierr.UnexpectedFormat("parsing rpms.lock.yaml: %s", err).WithCause(err)
	}
	if lf.LockfileVersion != 1 {
		return nil, cachierr.Unsupported("rpms.lock.yaml lockfileVersion %d is not supported (expected 1)", lf.LockfileVersion)
	}
	if lf.LockfileVendor != "redhat" {
		return nil, cachierr.Unsupported("rpms.lock.yaml lockfileVendor %q is not supported (expected \"redhat\")", lf.LockfileVendor)
	}
	if len(lf.Arches) == 0 {
		return nil, cachierr.UnexpectedFormat("rpms.lock.yaml has no arches")
	}
	for _, arch := range lf.Arches {
		if arch.Arch == "" {
			return nil, cachierr.UnexpectedFormat("rpms.lock.yaml arch entry is missing the arch name")
		}
		if len(arch.Packages) == 0 && len(arch.Source) == 0 {
			return nil, cachierr.UnexpectedFormat("arch %q has neither packages nor source entries", arch.Arch)
		}
		for _, p := range append(append([]Package{}, arch.Packages...), arch.Source...) {
			if p.URL == "" {
				return nil, cachierr.UnexpectedFormat("arch %q has an entry without a url", arch.Arch)
			}
		}
	}
	return &lf, nil
}
