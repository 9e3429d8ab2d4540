// Package bundler implements the Bundler resolver: parse
// Gemfile.lock, download every gem into output_dir/deps/bundler, package
// git-sourced gems as deterministic tarballs, and emit the hermetic
// bundler configuration override.
package bundler

import (
	"context"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	"github.com/containerbuildsystem/cachi2-go/internal/gitfetch"
	lockbundler "github.com/containerbuildsystem/cachi2-go/internal/lock/bundler"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	rubygemsregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/rubygems"
	"github.com/pkg/errors"
)

// hermeticConfig is the bundler configuration forcing consumption of the
// prefetched cache at build time.
const hermeticConfig = `BUNDLE_CACHE_PATH: "${output_dir}/deps/bundler"
BUNDLE_DEPLOYMENT: "true"
BUNDLE_NO_PRUNE: "true"
BUNDLE_VERSION: "system"
`

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver holds the collaborators the Bundler resolver drives.
type Resolver struct {
	Fetcher     *fetch.Fetcher
	Registry    rubygemsregistry.HTTPRegistry
	CloneCommit func(ctx context.Context, url, commit string) (*gitfetch.Result, error)
}

func (r *Resolver) cloneCommit(ctx context.Context, url, commit string) (*gitfetch.Result, error) {
	if r.CloneCommit != nil {
		return r.CloneCommit(ctx, url, commit)
	}
	return gitfetch.FetchCommit(ctx, url, commit)
}

// Resolve processes a single bundler PackageInput rooted at pkgRelPath.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot, outputRoot rootedpath.RootedPath, pkgRelPath string, mainRepo *repoid.RepoID) (*Result, error) {
	pkgDir, err := sourceRoot.Join(pkgRelPath)
	if err != nil {
		return nil, err
	}
	lockRel := path.Join(pkgRelPath, "Gemfile.lock")
	lockPath, err := sourceRoot.Join(lockRel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(lockPath.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("Gemfile.lock not found at %s", pkgRelPath).
			WithSolution("run 'bundle lock' to generate the lockfile and commit it")
	}
	deps, err := lockbundler.Parse(string(data))
	if err != nil {
		return nil, err
	}

	depsDir, err := outputRoot.Join("deps", "bundler")
	if err != nil {
		return nil, err
	}

	mainName := fallbackName(mainRepo)
	vcsURL := ""
	if mainRepo != nil {
		vcsURL = mainRepo.AsVCSURLQualifier()
	}
	components := []sbom.Component{
		sbom.New(mainName, "", purl.GemMain(mainName, "", vcsURL, subpathOf(pkgRelPath))),
	}

	var jobs []fetch.Job
	for _, dep := range deps {
		switch dep.Kind {
		case lockbundler.KindRubygems:
			comp := sbom.New(dep.Name, dep.Version, purl.Gem(dep.Name, dep.Version))
			// Gemfile.lock carries no checksums; provenance is recorded on
			// every registry gem.
			comp = comp.WithMissingHash(lockRel)
			if dep.Platform != "" {
				comp = comp.WithProperty(sbom.PropBundlerBinary, "true")
			}
			gemFile := dep.Name + "-" + dep.Version
			if dep.Platform != "" {
				gemFile += "-" + dep.Platform
			}
			dest, err := depsDir.Join(gemFile + ".gem")
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, fetch.Job{URL: r.gemURL(dep), Dest: dest})
			components = append(components, comp)
		case lockbundler.KindGit:
			comp, err := r.resolveGit(ctx, dep, depsDir)
			if err != nil {
				return nil, err
			}
			components = append(components, comp)
		case lockbundler.KindPath:
			if _, err := pkgDir.Join(dep.Path); err != nil {
				return nil, cachierr.PackageRejected("path gem %q escapes the package root: %s", dep.Name, err).WithCause(err)
			}
			components = append(components, sbom.New(dep.Name, dep.Version, purl.Gem(dep.Name, dep.Version)))
		}
	}
	if err := r.Fetcher.FetchAll(ctx, jobs); err != nil {
		return nil, cachierr.Fetch("downloading gems: %s", err).WithCause(err)
	}

	configFile, err := r.configOverride(pkgDir, outputRoot)
	if err != nil {
		return nil, err
	}

	envVars := []project.EnvironmentVariable{
		{Name: "BUNDLE_APP_CONFIG", Value: project.Placeholder + "/bundler/config_override", Kind: project.KindPath},
	}
	return &Result{Components: components, EnvVars: envVars, ProjectFiles: []project.ProjectFile{configFile}}, nil
}

// gemURL builds the artifact URL from the lockfile's remote, falling back
// to the rubygems.org registry client when the lockfile carries none.
func (r *Resolver) gemURL(dep lockbundler.Dependency) string {
	if dep.Remote == "" && dep.Platform == "" {
		return r.Registry.ArtifactURL(dep.Name, dep.Version)
	}
	base := strings.TrimSuffix(dep.Remote, "/")
	if base == "" {
		base = "https://rubygems.org"
	}
	name := dep.Name + "-" + dep.Version
	if dep.Platform != "" {
		name += "-" + dep.Platform
	}
	return base + "/gems/" + name + ".gem"
}

func (r *Resolver) resolveGit(ctx context.Context, dep lockbundler.Dependency, depsDir rootedpath.RootedPath) (sbom.Component, error) {
	host, ns, repo, err := splitRepoURL(dep.URL)
	if err != nil {
		return sbom.Component{}, err
	}
	dest, err := depsDir.Join(host, ns, repo, repo+"-external-gitcommit-"+dep.Revision+".tar.gz")
	if err != nil {
		return sbom.Component{}, err
	}
	res, err := r.cloneCommit(ctx, dep.URL, dep.Revision)
	if err != nil {
		return sbom.Component{}, cachierr.Fetch("cloning %s: %s", dep.URL, err).WithCause(err)
	}
	if err := os.MkdirAll(path.Dir(dest.Abs()), 0o755); err != nil {
		return sbom.Component{}, errors.Wrap(err, "creating git gem directory")
	}
	if err := os.WriteFile(dest.Abs(), res.Archive, 0o644); err != nil {
		return sbom.Component{}, errors.Wrap(err, "writing git gem tarball")
	}
	return sbom.New(dep.Name, dep.Version, purl.GemGit(dep.Name, "git+"+dep.URL+"@"+dep.Revision)), nil
}

// configOverride renders the hermetic bundler config project file,
// prepending the user's own .bundle/config when one exists.
func (r *Resolver) configOverride(pkgDir, outputRoot rootedpath.RootedPath) (project.ProjectFile, error) {
	template := hermeticConfig
	if userConfig, err := pkgDir.Join(".bundle", "config"); err == nil {
		if data, err := os.ReadFile(userConfig.Abs()); err == nil {
			template = strings.TrimRight(string(data), "\n") + "\n" + hermeticConfig
		}
	}
	dest, err := outputRoot.Join("bundler", "config_override", "config")
	if err != nil {
		return project.ProjectFile{}, err
	}
	return project.ProjectFile{AbsPath: dest.Abs(), Template: template}, nil
}

func fallbackName(mainRepo *repoid.RepoID) string {
	if mainRepo == nil {
		return "unknown"
	}
	return strings.TrimSuffix(path.Base(mainRepo.CanonicalURL), ".git")
}

func subpathOf(rel string) string {
	p := path.Clean(rel)
	if p == "." || p == "/" {
		return ""
	}
	return p
}

func splitRepoURL(rawURL string) (host, ns, repo string, err error) {
	u, perr := url.Parse(rawURL)
	if perr != nil || u.Host == "" {
		return "", "", "", cachierr.UnexpectedFormat("malformed git URL: %s", rawURL)
	}
	trimmed := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", "", cachierr.UnexpectedFormat("git URL has no namespace/repo: %s", rawURL)
	}
	return u.Hostname(), strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}
