// Package yarn implements the yarn and yarn-classic resolvers: parse
// yarn.lock (Berry YAML or the classic v1 grammar), download every
// registry tarball and plain-URL artifact into the per-ecosystem deps
// directory, and re-emit the lockfile verbatim as a project file.
package yarn

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	lockyarn "github.com/containerbuildsystem/cachi2-go/internal/lock/yarn"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	npmregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/npm"
)

// Mode selects which yarn.lock dialect the resolver expects.
type Mode string

const (
	ModeBerry   Mode = "yarn"
	ModeClassic Mode = "yarn-classic"
)

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver holds the collaborators the yarn resolvers drive.
type Resolver struct {
	Fetcher  *fetch.Fetcher
	Registry npmregistry.Registry
	Mode     Mode
}

// Resolve processes a single yarn or yarn-classic PackageInput rooted at
// pkgRelPath.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot, outputRoot rootedpath.RootedPath, pkgRelPath string, mainRepo *repoid.RepoID) (*Result, error) {
	lockRel := path.Join(pkgRelPath, "yarn.lock")
	lockPath, err := sourceRoot.Join(lockRel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(lockPath.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("yarn.lock not found at %s", pkgRelPath).
			WithSolution("run 'yarn install' to generate the lockfile and commit it")
	}

	var deps []lockyarn.Dependency
	if r.Mode == ModeClassic {
		deps, err = lockyarn.ParseClassic(string(data))
	} else {
		deps, err = lockyarn.ParseBerry(data)
	}
	if err != nil {
		return nil, err
	}

	depsDir, err := outputRoot.Join("deps", string(r.Mode))
	if err != nil {
		return nil, err
	}

	mainName := fallbackName(mainRepo)
	vcsURL := ""
	if mainRepo != nil {
		vcsURL = mainRepo.AsVCSURLQualifier()
	}
	components := []sbom.Component{
		sbom.New(mainName, "", purl.NPMMain(mainName, "", vcsURL, subpathOf(pkgRelPath))),
	}

	var jobs []fetch.Job
	for _, dep := range deps {
		comp, job, err := r.resolveDependency(ctx, dep, depsDir, lockRel)
		if err != nil {
			return nil, err
		}
		if comp != nil {
			components = append(components, *comp)
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	if err := r.Fetcher.FetchAll(ctx, jobs); err != nil {
		return nil, cachierr.Fetch("downloading yarn dependencies: %s", err).WithCause(err)
	}

	files := []project.ProjectFile{{AbsPath: lockPath.Abs(), Template: string(data)}}
	return &Result{Components: components, EnvVars: r.envVars(), ProjectFiles: files}, nil
}

func (r *Resolver) envVars() []project.EnvironmentVariable {
	if r.Mode == ModeClassic {
		return []project.EnvironmentVariable{
			{Name: "YARN_YARN_OFFLINE_MIRROR", Value: project.Placeholder + "/deps/yarn-classic", Kind: project.KindPath},
			{Name: "YARN_YARN_OFFLINE_MIRROR_PRUNING", Value: "false", Kind: project.KindLiteral},
		}
	}
	return []project.EnvironmentVariable{
		{Name: "YARN_GLOBAL_FOLDER", Value: project.Placeholder + "/deps/yarn", Kind: project.KindPath},
		{Name: "YARN_ENABLE_GLOBAL_CACHE", Value: "false", Kind: project.KindLiteral},
		{Name: "YARN_ENABLE_IMMUTABLE_CACHE", Value: "false", Kind: project.KindLiteral},
		{Name: "YARN_ENABLE_MIRROR", Value: "true", Kind: project.KindLiteral},
	}
}

func (r *Resolver) resolveDependency(ctx context.Context, dep lockyarn.Dependency, depsDir rootedpath.RootedPath, lockRel string) (*sbom.Component, *fetch.Job, error) {
	switch dep.Kind {
	case lockyarn.KindLink:
		// Workspace members are part of the source tree; nothing to fetch
		// and the workspace itself is the main component.
		return nil, nil, nil
	case lockyarn.KindRegistry:
		comp := sbom.New(dep.Name, dep.Version, purl.NPM(dep.Name, dep.Version))
		tarballURL := dep.Resolved
		sums := dep.Checksums
		if tarballURL == "" {
			v, err := r.Registry.Version(ctx, dep.Name, dep.Version)
			if err != nil {
				return nil, nil, cachierr.Fetch("resolving tarball URL for %s@%s: %s", dep.Name, dep.Version, err).WithCause(err)
			}
			tarballURL = v.Dist.URL
			if info, ok := sriChecksum(v.Dist.SHA512); ok {
				sums = []checksum.Info{info}
			}
		}
		dest, err := depsDir.Join(tarballName(dep.Name, dep.Version))
		if err != nil {
			return nil, nil, err
		}
		if len(dep.Checksums) == 0 {
			comp = comp.WithMissingHash(lockRel)
		}
		return &comp, &fetch.Job{URL: tarballURL, Dest: dest, Checksums: sums}, nil
	case lockyarn.KindURL:
		comp := sbom.New(dep.Name, dep.Version, purl.NPMURL(dep.Name, dep.Resolved))
		dest, err := depsDir.Join("external-"+flatName(dep.Name), path.Base(strings.Split(dep.Resolved, "?")[0]))
		if err != nil {
			return nil, nil, err
		}
		if len(dep.Checksums) == 0 {
			comp = comp.WithMissingHash(lockRel)
		}
		return &comp, &fetch.Job{URL: dep.Resolved, Dest: dest, Checksums: dep.Checksums}, nil
	default:
		return nil, nil, cachierr.UnexpectedFormat("unknown yarn dependency kind %q", dep.Kind)
	}
}

func sriChecksum(sri string) (checksum.Info, bool) {
	algo, rest, found := strings.Cut(sri, "-")
	if !found {
		return checksum.Info{}, false
	}
	h, err := checksum.ParseAlgorithm(algo)
	if err != nil {
		return checksum.Info{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return checksum.Info{}, false
	}
	return checksum.Info{Algorithm: h, Hex: hex.EncodeToString(raw)}, true
}

func tarballName(name, version string) string {
	return flatName(name) + "-" + version + ".tgz"
}

func flatName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "@"), "/", "-")
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
