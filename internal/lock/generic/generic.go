// Package generic handles the generic URL-lock ecosystem's lockfile,
// cachi2_generic.yaml. The current behavior is presence-only: the file
// must exist and decode as YAML, but no components are derived from it.
package generic

import (
	"os"
	"path"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	yaml "gopkg.in/yaml.v3"
)

// LockfileName is the fixed generic lockfile filename.
const LockfileName = "cachi2_generic.yaml"

// Check verifies the generic lockfile exists under pkgRelPath and is
// well-formed YAML.
func Check(sourceRoot rootedpath.RootedPath, pkgRelPath string) error {
	rp, err := sourceRoot.Join(path.Join(pkgRelPath, LockfileName))
	if err != nil {
		return err
	}
	data, err := os.ReadFile(rp.Abs())
	if err != nil {
		return cachierr.PackageRejected("%s not found at %s", LockfileName, pkgRelPath).
			WithSolution("create a " + LockfileName + " lockfile in the package directory")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cachierr.UnexpectedFormat("parsing %s: %s", LockfileName, err).WithCause(err)
	}
	return nil
}
