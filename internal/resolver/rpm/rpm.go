// Package rpm implements the RPM resolver: parse rpms.lock.yaml,
// download every binary and source RPM into per-arch, per-repo
// subdirectories of output_dir/deps/rpm, verify declared checksums, and
// emit pkg:rpm components with arch/checksum/repository_id qualifiers.
package rpm

import (
	"context"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	lockrpm "github.com/containerbuildsystem/cachi2-go/internal/lock/rpm"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
)

// fallbackRepoID names the repo subdirectory for lockfile entries that do
// not declare one.
const fallbackRepoID = "cachi2-repo"

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver holds the collaborators the RPM resolver drives.
type Resolver struct {
	Fetcher *fetch.Fetcher
}

// Resolve processes a single rpm PackageInput rooted at pkgRelPath.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot, outputRoot rootedpath.RootedPath, pkgRelPath string) (*Result, error) {
	lockRel := path.Join(pkgRelPath, "rpms.lock.yaml")
	lockPath, err := sourceRoot.Join(lockRel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(lockPath.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("rpms.lock.yaml not found at %s", pkgRelPath).
			WithSolution("generate the lockfile with rpm-lockfile-prototype and commit it")
	}
	lf, err := lockrpm.Parse(data)
	if err != nil {
		return nil, err
	}

	depsDir, err := outputRoot.Join("deps", "rpm")
	if err != nil {
		return nil, err
	}

	var components []sbom.Component
	var jobs []fetch.Job
	for _, arch := range lf.Arches {
		for _, group := range [][]lockrpm.Package{arch.Packages, arch.Source} {
			for _, p := range group {
				comp, job, err := resolvePackage(depsDir, arch.Arch, p, lockRel)
				if err != nil {
					return nil, err
				}
				components = append(components, comp)
				jobs = append(jobs, job)
			}
		}
	}
	if err := r.Fetcher.FetchAll(ctx, jobs); err != nil {
		return nil, cachierr.Fetch("downloading RPMs: %s", err).WithCause(err)
	}
	return &Result{Components: components}, nil
}

func resolvePackage(depsDir rootedpath.RootedPath, arch string, p lockrpm.Package, lockRel string) (sbom.Component, fetch.Job, error) {
	filename, err := rpmFilename(p.URL)
	if err != nil {
		return sbom.Component{}, fetch.Job{}, err
	}
	repoID := p.RepoID
	if repoID == "" {
		repoID = fallbackRepoID
	}
	dest, err := depsDir.Join(arch, repoID, filename)
	if err != nil {
		return sbom.Component{}, fetch.Job{}, err
	}

	info, hasChecksum, err := p.ParseChecksum()
	if err != nil {
		return sbom.Component{}, fetch.Job{}, err
	}
	job := fetch.Job{URL: p.URL, Dest: dest}
	if hasChecksum {
		job.Checksums = []checksum.Info{info}
	}

	nevra, err := parseNEVRA(filename)
	if err != nil {
		return sbom.Component{}, fetch.Job{}, err
	}
	spec := purl.RPMSpec{
		Vendor:    "redhat",
		Name:      nevra.name,
		Version:   nevra.version,
		Release:   nevra.release,
		Arch:      nevra.arch,
		RepositID: repoID,
	}
	if hasChecksum {
		algo, digest := checksum.Describe(info)
		spec.Checksum = algo + ":" + digest
	}
	comp := sbom.New(nevra.name, nevra.version+"-"+nevra.release, purl.RPM(spec))
	if !hasChecksum {
		comp = comp.WithMissingHash(lockRel)
	}
	return comp, job, nil
}

func rpmFilename(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "", cachierr.UnexpectedFormat("invalid RPM URL: %s", rawURL)
	}
	base := path.Base(u.Path)
	if !strings.HasSuffix(base, ".rpm") {
		return "", cachierr.UnexpectedFormat("RPM URL does not point at an .rpm file: %s", rawURL)
	}
	return base, nil
}

type nevra struct {
	name    string
	version string
	release string
	arch    string
}

// parseNEVRA decodes "<name>-<version>-<release>.<arch>.rpm"; source RPMs
// carry the pseudo-arch "src".
func parseNEVRA(filename string) (nevra, error) {
	stem := strings.TrimSuffix(filename, ".rpm")
	archIdx := strings.LastIndexByte(stem, '.')
	if archIdx <= 0 {
		return nevra{}, cachierr.UnexpectedFormat("cannot parse RPM filename %q", filename)
	}
	arch := stem[archIdx+1:]
	rest := stem[:archIdx]
	relIdx := strings.LastIndexByte(rest, '-')
	if relIdx <= 0 {
		return nevra{}, cachierr.UnexpectedFormat("cannot parse RPM filename %q", filename)
	}
	release := rest[relIdx+1:]
	rest = rest[:relIdx]
	verIdx := strings.LastIndexByte(rest, '-')
	if verIdx <= 0 {
		return nevra{}, cachierr.UnexpectedFormat("cannot parse RPM filename %q", filename)
	}
	return nevra{
		name:    rest[:verIdx],
		version: stripEpoch(rest[verIdx+1:]),
		release: release,
		arch:    arch,
	}, nil
}

// stripEpoch removes a leading "N:" epoch from a version segment.
func stripEpoch(version string) string {
	if idx := strings.IndexByte(version, ':'); idx > 0 {
		return version[idx+1:]
	}
	return version
}
