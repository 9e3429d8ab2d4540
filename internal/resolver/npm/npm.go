// Package npm implements the npm resolver: parse package-lock.json,
// download every dependency tarball into output_dir/deps/npm, verify SRI
// integrity, and emit one SBOM component per package plus the lockfile
// itself as a project file.
package npm

import (
	"context"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	"github.com/containerbuildsystem/cachi2-go/internal/gitfetch"
	locknpm "github.com/containerbuildsystem/cachi2-go/internal/lock/npm"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	npmregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/npm"
	"github.com/pkg/errors"
)

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver holds the collaborators the npm resolver drives.
type Resolver struct {
	Fetcher  *fetch.Fetcher
	Registry npmregistry.Registry
	// CloneCommit is swappable in tests; defaults to gitfetch.FetchCommit.
	CloneCommit func(ctx context.Context, url, commit string) (*gitfetch.Result, error)
}

func (r *Resolver) cloneCommit(ctx context.Context, url, commit string) (*gitfetch.Result, error) {
	if r.CloneCommit != nil {
		return r.CloneCommit(ctx, url, commit)
	}
	return gitfetch.FetchCommit(ctx, url, commit)
}

// Resolve processes a single npm PackageInput rooted at pkgRelPath within
// sourceRoot.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot, outputRoot rootedpath.RootedPath, pkgRelPath string, mainRepo *repoid.RepoID) (*Result, error) {
	lockRel, lockPath, err := findLockfile(sourceRoot, pkgRelPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(lockPath.Abs())
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", lockRel)
	}
	lf, err := locknpm.Parse(data)
	if err != nil {
		return nil, err
	}

	depsDir, err := outputRoot.Join("deps", "npm")
	if err != nil {
		return nil, err
	}

	var components []sbom.Component
	components = append(components, mainComponent(lf, mainRepo, pkgRelPath))

	var jobs []fetch.Job
	for _, dep := range lf.Dependencies {
		comp, job, err := r.resolveDependency(ctx, dep, depsDir, lockRel)
		if err != nil {
			return nil, err
		}
		components = append(components, comp)
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	if err := r.Fetcher.FetchAll(ctx, jobs); err != nil {
		return nil, cachierr.Fetch("downloading npm dependencies: %s", err).WithCause(err)
	}

	files := []project.ProjectFile{{AbsPath: lockPath.Abs(), Template: string(data)}}
	return &Result{Components: components, ProjectFiles: files}, nil
}

func findLockfile(sourceRoot rootedpath.RootedPath, pkgRelPath string) (string, rootedpath.RootedPath, error) {
	for _, name := range []string{"npm-shrinkwrap.json", "package-lock.json"} {
		rel := path.Join(pkgRelPath, name)
		rp, err := sourceRoot.Join(rel)
		if err != nil {
			return "", rootedpath.RootedPath{}, err
		}
		if _, err := os.Stat(rp.Abs()); err == nil {
			return rel, rp, nil
		}
	}
	return "", rootedpath.RootedPath{}, cachierr.PackageRejected("no package-lock.json or npm-shrinkwrap.json found at %s", pkgRelPath).
		WithSolution("run 'npm install' to generate the lockfile and commit it")
}

func mainComponent(lf *locknpm.Lockfile, mainRepo *repoid.RepoID, pkgRelPath string) sbom.Component {
	name := lf.Name
	if name == "" {
		name = "unknown"
	}
	vcsURL := ""
	if mainRepo != nil {
		vcsURL = mainRepo.AsVCSURLQualifier()
	}
	return sbom.New(name, lf.Version, purl.NPMMain(name, lf.Version, vcsURL, subpathOf(pkgRelPath)))
}

func subpathOf(pkgRelPath string) string {
	p := path.Clean(pkgRelPath)
	if p == "." || p == "/" {
		return ""
	}
	return p
}

func (r *Resolver) resolveDependency(ctx context.Context, dep locknpm.Dependency, depsDir rootedpath.RootedPath, lockRel string) (sbom.Component, *fetch.Job, error) {
	switch dep.Kind {
	case locknpm.KindRegistry:
		return r.resolveRegistry(ctx, dep, depsDir, lockRel)
	case locknpm.KindURL:
		return resolveURL(dep, depsDir)
	case locknpm.KindVCS:
		return r.resolveVCS(ctx, dep, depsDir)
	case locknpm.KindLocal:
		comp := withFlags(sbom.New(dep.Name, dep.Version, purl.NPM(dep.Name, dep.Version)), dep)
		return comp, nil, nil
	default:
		return sbom.Component{}, nil, cachierr.UnexpectedFormat("unknown npm dependency kind %q", dep.Kind)
	}
}

func (r *Resolver) resolveRegistry(ctx context.Context, dep locknpm.Dependency, depsDir rootedpath.RootedPath, lockRel string) (sbom.Component, *fetch.Job, error) {
	comp := withFlags(sbom.New(dep.Name, dep.Version, purl.NPM(dep.Name, dep.Version)), dep)

	// Bundled packages ship inside their parent's tarball; there is nothing
	// separate to download.
	if dep.Bundled {
		return comp, nil, nil
	}

	tarballURL := dep.Resolved
	if tarballURL == "" {
		v, err := r.Registry.Version(ctx, dep.Name, dep.Version)
		if err != nil {
			return sbom.Component{}, nil, cachierr.Fetch("resolving tarball URL for %s@%s: %s", dep.Name, dep.Version, err).WithCause(err)
		}
		tarballURL = v.Dist.URL
	}

	dest, err := depsDir.Join(tarballName(dep.Name, dep.Version))
	if err != nil {
		return sbom.Component{}, nil, err
	}
	job := fetch.Job{URL: tarballURL, Dest: dest}
	if info, ok := dep.Checksum(); ok {
		job.Checksums = []checksum.Info{info}
	} else {
		comp = comp.WithMissingHash(lockRel)
	}
	return comp, &job, nil
}

// tarballName renders "<name>-<version>.tgz", flattening a scoped name
// ("@scope/pkg" -> "scope-pkg") so every tarball lands directly in deps/npm.
func tarballName(name, version string) string {
	flat := strings.ReplaceAll(strings.TrimPrefix(name, "@"), "/", "-")
	return flat + "-" + version + ".tgz"
}

func resolveURL(dep locknpm.Dependency, depsDir rootedpath.RootedPath) (sbom.Component, *fetch.Job, error) {
	info, ok := dep.Checksum()
	if !ok {
		return sbom.Component{}, nil, cachierr.PackageRejected("URL dependency %s has no integrity checksum", dep.Name).
			WithSolution("reinstall the dependency so npm records its integrity in the lockfile")
	}
	algo, digest := checksum.Describe(info)
	ext := urlExtension(dep.Resolved)
	dest, err := depsDir.Join("external-"+dep.Name, dep.Name+"-external-"+algo+"-"+digest+ext)
	if err != nil {
		return sbom.Component{}, nil, err
	}
	comp := withFlags(sbom.New(dep.Name, dep.Version, purl.NPMURL(dep.Name, dep.Resolved)), dep)
	return comp, &fetch.Job{URL: dep.Resolved, Dest: dest, Checksums: []checksum.Info{info}}, nil
}

func urlExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".tgz"
	}
	base := path.Base(u.Path)
	if strings.HasSuffix(base, ".tar.gz") {
		return ".tar.gz"
	}
	if ext := path.Ext(base); ext != "" {
		return ext
	}
	return ".tgz"
}

func (r *Resolver) resolveVCS(ctx context.Context, dep locknpm.Dependency, depsDir rootedpath.RootedPath) (sbom.Component, *fetch.Job, error) {
	if len(dep.Ref) != 40 {
		return sbom.Component{}, nil, cachierr.PackageRejected("npm git dependency %s is not pinned to a full commit: %q", dep.Name, dep.Ref).
			WithSolution("pin the dependency to a 40-character commit hash")
	}
	host, ns, repo, err := splitVCSPath(dep.VCSURL)
	if err != nil {
		return sbom.Component{}, nil, err
	}
	dest, err := depsDir.Join(host, ns, repo, repo+"-external-gitcommit-"+dep.Ref+".tar.gz")
	if err != nil {
		return sbom.Component{}, nil, err
	}
	cloneURL := strings.TrimPrefix(dep.VCSURL, "git+")
	res, err := r.cloneCommit(ctx, cloneURL, dep.Ref)
	if err != nil {
		return sbom.Component{}, nil, cachierr.Fetch("cloning %s: %s", cloneURL, err).WithCause(err)
	}
	if err := os.MkdirAll(path.Dir(dest.Abs()), 0o755); err != nil {
		return sbom.Component{}, nil, errors.Wrap(err, "creating vcs dependency directory")
	}
	if err := os.WriteFile(dest.Abs(), res.Archive, 0o644); err != nil {
		return sbom.Component{}, nil, errors.Wrap(err, "writing vcs dependency tarball")
	}
	comp := withFlags(sbom.New(dep.Name, dep.Version, purl.NPMVCS(dep.Name, dep.VCSURL+"@"+dep.Ref)), dep)
	return comp, nil, nil
}

// splitVCSPath extracts (host, namespace, repo) from a "git+"-prefixed VCS
// URL such as "git+ssh://git@host/ns/repo.git".
func splitVCSPath(vcsURL string) (host, ns, repo string, err error) {
	u, perr := url.Parse(strings.TrimPrefix(vcsURL, "git+"))
	if perr != nil || u.Host == "" {
		return "", "", "", cachierr.UnexpectedFormat("malformed npm git URL: %s", vcsURL)
	}
	trimmed := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", "", cachierr.UnexpectedFormat("npm git URL has no namespace/repo: %s", vcsURL)
	}
	return u.Hostname(), strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

func withFlags(comp sbom.Component, dep locknpm.Dependency) sbom.Component {
	if dep.Bundled {
		comp = comp.WithProperty(sbom.PropNPMBundled, "true")
	}
	if dep.Development {
		comp = comp.WithProperty(sbom.PropNPMDevelopment, "true")
	}
	return comp
}
