package output

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
)

// createRepoMetadata generates createrepo_c metadata for every
// deps/rpm/<arch>/<repoid> directory so dnf can consume the prefetched
// RPMs as local repositories. A missing deps/rpm tree is a no-op; a
// missing createrepo_c binary is an error only when RPMs were prefetched.
func createRepoMetadata(fromOutputDir string) error {
	rpmDir := filepath.Join(fromOutputDir, "deps", "rpm")
	arches, err := os.ReadDir(rpmDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	bin, err := exec.LookPath("createrepo_c")
	if err != nil {
		return cachierr.PackageManager("createrepo_c is required to inject RPM repository metadata but was not found in PATH").
			WithSolution("install createrepo_c")
	}
	for _, arch := range arches {
		if !arch.IsDir() {
			continue
		}
		repos, err := os.ReadDir(filepath.Join(rpmDir, arch.Name()))
		if err != nil {
			return err
		}
		for _, repo := range repos {
			if !repo.IsDir() {
				continue
			}
			dir := filepath.Join(rpmDir, arch.Name(), repo.Name())
			cmd := exec.Command(bin, dir)
			if out, err := cmd.CombinedOutput(); err != nil {
				return cachierr.PackageManager("createrepo_c failed for %s: %s\n%s", dir, err, out)
			}
		}
	}
	return nil
}
