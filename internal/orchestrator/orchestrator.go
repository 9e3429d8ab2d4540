// Package orchestrator implements resolve_packages: select the
// resolvers the request names, run them in deterministic order against the
// source tree (or a scoped working copy when yarn is involved), and merge
// their outputs under the SBOM and build-config merge rules.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerbuildsystem/cachi2-go/internal/cache"
	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	"github.com/containerbuildsystem/cachi2-go/internal/httpx"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/request"
	resolverbundler "github.com/containerbuildsystem/cachi2-go/internal/resolver/bundler"
	resolvercargo "github.com/containerbuildsystem/cachi2-go/internal/resolver/cargo"
	resolvergeneric "github.com/containerbuildsystem/cachi2-go/internal/resolver/generic"
	resolvergomod "github.com/containerbuildsystem/cachi2-go/internal/resolver/gomod"
	resolvernpm "github.com/containerbuildsystem/cachi2-go/internal/resolver/npm"
	resolverpip "github.com/containerbuildsystem/cachi2-go/internal/resolver/pip"
	resolverrpm "github.com/containerbuildsystem/cachi2-go/internal/resolver/rpm"
	resolveryarn "github.com/containerbuildsystem/cachi2-go/internal/resolver/yarn"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	golangregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/golang"
	npmregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/npm"
	pypiregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/pypi"
	rubygemsregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/rubygems"
	"github.com/pkg/errors"
)

// defaultConcurrency bounds in-flight downloads per resolver.
const defaultConcurrency = 5

const userAgent = "cachi2"

// Output is the merged RequestOutput across every resolved package.
type Output struct {
	Components           []sbom.Component
	EnvironmentVariables []project.EnvironmentVariable
	ProjectFiles         []project.ProjectFile
}

// Orchestrator wires the shared collaborators into per-ecosystem resolvers.
type Orchestrator struct {
	Client httpx.BasicClient
	// InsecureClient serves pip --trusted-host downloads; nil disables the
	// TLS-suppression path.
	InsecureClient httpx.BasicClient
}

// productionTypes is the always-enabled resolver set; devTypes requires the
// dev-package-managers flag.
var productionTypes = map[request.PackageType]bool{
	request.TypeBundler: true,
	request.TypeCargo:   true,
	request.TypeGeneric: true,
	request.TypeGomod:   true,
	request.TypeNPM:     true,
	request.TypePip:     true,
	request.TypeRPM:     true,
	request.TypeYarn:    true,
}

var devTypes = map[request.PackageType]bool{
	request.TypeYarnClassic: true,
}

// ResolvePackages dispatches the request to the requested resolvers and
// merges their outputs.
func (o *Orchestrator) ResolvePackages(ctx context.Context, req *request.Request) (*Output, error) {
	for _, pkg := range req.Packages {
		if productionTypes[pkg.Type] {
			continue
		}
		if devTypes[pkg.Type] && req.HasFlag(request.FlagDevPackageManagers) {
			continue
		}
		return nil, cachierr.InvalidInput("package type %q is not enabled for this request", pkg.Type)
	}

	// Yarn installs mutate the source tree (.yarn/ state); resolve against
	// a scoped working copy and map emitted paths back afterwards.
	workDir := req.SourceDir
	var copyDir string
	if hasYarn(req) {
		var err error
		copyDir, err = os.MkdirTemp(filepath.Dir(req.SourceDir), filepath.Base(req.SourceDir)+"-cachi2-*")
		if err != nil {
			return nil, errors.Wrap(err, "creating source working copy")
		}
		defer os.RemoveAll(copyDir)
		if err := copyTree(req.SourceDir, copyDir); err != nil {
			return nil, errors.Wrap(err, "copying source tree")
		}
		workDir = copyDir
	}

	sourceRoot, err := rootedpath.NewRoot(workDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}
	outputRoot, err := rootedpath.NewRoot(req.OutputDir)
	if err != nil {
		return nil, err
	}

	// A source tree outside any git repository still resolves; its main
	// components just carry no vcs_url qualifier.
	mainRepo, _ := repoid.FromWorktree(workDir)

	packages := append([]request.PackageInput(nil), req.Packages...)
	sort.SliceStable(packages, func(i, j int) bool {
		if packages[i].Type != packages[j].Type {
			return packages[i].Type < packages[j].Type
		}
		return packages[i].Path < packages[j].Path
	})

	// Each run starts from a clean per-ecosystem deps directory.
	for _, eco := range ecosystems(packages) {
		if err := os.RemoveAll(filepath.Join(req.OutputDir, "deps", eco)); err != nil {
			return nil, errors.Wrapf(err, "clearing deps/%s", eco)
		}
	}

	// Artifact downloads go straight to the network; registry metadata
	// lookups are additionally cached (and coalesced) for the lifetime of
	// the request since several packages may ask about the same project.
	dlClient := &httpx.WithUserAgent{BasicClient: o.Client, UserAgent: userAgent}
	metaClient := &httpx.WithUserAgent{
		BasicClient: httpx.NewCachedClient(o.Client, &cache.CoalescingMemoryCache{}),
		UserAgent:   userAgent,
	}

	out := &Output{}
	for _, pkg := range packages {
		res, err := o.resolveOne(ctx, req, pkg, sourceRoot, outputRoot, mainRepo, dlClient, metaClient)
		if err != nil {
			return nil, err
		}
		out.Components = append(out.Components, res.Components...)
		merged, err := project.MergeEnvironmentVariables(out.EnvironmentVariables, res.EnvironmentVariables)
		if err != nil {
			return nil, cachierr.InvalidInput("%s", err)
		}
		out.EnvironmentVariables = merged
		files, err := project.MergeProjectFiles(out.ProjectFiles, res.ProjectFiles)
		if err != nil {
			return nil, cachierr.InvalidInput("%s", err)
		}
		out.ProjectFiles = files
	}
	out.Components = sbom.MergeAll(out.Components)

	if copyDir != "" {
		// The resolvers emitted paths against the (symlink-resolved) copy.
		rewriteProjectFilePaths(out.ProjectFiles, sourceRoot.Root(), req.SourceDir)
	}
	return out, nil
}

func hasYarn(req *request.Request) bool {
	for _, pkg := range req.Packages {
		if pkg.Type == request.TypeYarn || pkg.Type == request.TypeYarnClassic {
			return true
		}
	}
	return false
}

func ecosystems(packages []request.PackageInput) []string {
	seen := map[string]bool{}
	var out []string
	for _, pkg := range packages {
		eco := string(pkg.Type)
		if !seen[eco] {
			seen[eco] = true
			out = append(out, eco)
		}
	}
	return out
}

func (o *Orchestrator) resolveOne(ctx context.Context, req *request.Request, pkg request.PackageInput, sourceRoot, outputRoot rootedpath.RootedPath, mainRepo *repoid.RepoID, dlClient, metaClient httpx.BasicClient) (*Output, error) {
	fetcher := fetch.New(dlClient, defaultConcurrency, time.Second)
	switch pkg.Type {
	case request.TypeGomod:
		res, err := resolvergomod.Resolve(ctx, golangregistry.HTTPRegistry{Client: dlClient}, sourceRoot, outputRoot, pkg.Path, mainRepo, resolvergomod.Options{
			CgoDisable:       req.HasFlag(request.FlagCgoDisable),
			GomodVendor:      req.HasFlag(request.FlagGomodVendor),
			GomodVendorCheck: req.HasFlag(request.FlagGomodVendorCheck),
			ForceGomodTidy:   req.HasFlag(request.FlagForceGomodTidy),
		})
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypePip:
		r := &resolverpip.Resolver{Fetcher: fetcher, Index: pypiregistry.HTTPRegistry{Client: metaClient}}
		if o.InsecureClient != nil {
			r.InsecureFetcher = fetch.New(o.InsecureClient, defaultConcurrency, time.Second)
		}
		res, err := r.Resolve(ctx, sourceRoot, outputRoot, resolverpip.Options{
			Path:                   pkg.Path,
			RequirementsFiles:      pkg.RequirementsFiles,
			RequirementsBuildFiles: pkg.RequirementsBuildFiles,
			AllowBinary:            pkg.AllowBinary,
		}, mainRepo)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypeNPM:
		r := &resolvernpm.Resolver{Fetcher: fetcher, Registry: npmregistry.HTTPRegistry{Client: metaClient}}
		res, err := r.Resolve(ctx, sourceRoot, outputRoot, pkg.Path, mainRepo)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypeBundler:
		r := &resolverbundler.Resolver{Fetcher: fetcher, Registry: rubygemsregistry.HTTPRegistry{Client: metaClient}}
		res, err := r.Resolve(ctx, sourceRoot, outputRoot, pkg.Path, mainRepo)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypeCargo:
		r := &resolvercargo.Resolver{Fetcher: fetcher}
		res, err := r.Resolve(ctx, sourceRoot, outputRoot, pkg.Path, mainRepo)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypeRPM:
		if v := pkg.RPM.SSLVerify; v != nil && !*v && o.InsecureClient != nil {
			fetcher = fetch.New(o.InsecureClient, defaultConcurrency, time.Second)
		}
		r := &resolverrpm.Resolver{Fetcher: fetcher}
		res, err := r.Resolve(ctx, sourceRoot, outputRoot, pkg.Path)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypeYarn, request.TypeYarnClassic:
		mode := resolveryarn.ModeBerry
		if pkg.Type == request.TypeYarnClassic {
			mode = resolveryarn.ModeClassic
		}
		r := &resolveryarn.Resolver{Fetcher: fetcher, Registry: npmregistry.HTTPRegistry{Client: metaClient}, Mode: mode}
		res, err := r.Resolve(ctx, sourceRoot, outputRoot, pkg.Path, mainRepo)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	case request.TypeGeneric:
		r := &resolvergeneric.Resolver{}
		res, err := r.Resolve(ctx, sourceRoot, pkg.Path)
		if err != nil {
			return nil, err
		}
		return &Output{Components: res.Components, EnvironmentVariables: res.EnvVars, ProjectFiles: res.ProjectFiles}, nil
	default:
		return nil, cachierr.InvalidInput("unknown package type %q", pkg.Type)
	}
}

// rewriteProjectFilePaths maps project-file paths emitted against the
// working copy back into the original source tree.
func rewriteProjectFilePaths(files []project.ProjectFile, copyDir, sourceDir string) {
	prefix := copyDir + string(filepath.Separator)
	for i := range files {
		if files[i].AbsPath == copyDir {
			files[i].AbsPath = sourceDir
		} else if strings.HasPrefix(files[i].AbsPath, prefix) {
			files[i].AbsPath = filepath.Join(sourceDir, strings.TrimPrefix(files[i].AbsPath, prefix))
		}
	}
}

// copyTree copies src into dst (which must already exist), preserving
// symlinks and file modes.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, info.Mode().Perm())
		}
	})
}
