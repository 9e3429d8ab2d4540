// Package gomod implements the Go module resolver: download
// every required module from the configured proxy, verify its go.sum
// directory hash, and emit one ?type=module SBOM component per module and
// one ?type=package component per compiled package.
package gomod

import (
	"context"
	"io"
	"os"
	"path"
	"sort"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/lock/gomod"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	golangregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/golang"
	"github.com/pkg/errors"
	"golang.org/x/mod/sumdb/dirhash"
)

// Options carries the request-level flags the Go resolver consults.
type Options struct {
	CgoDisable       bool
	GomodVendor      bool
	GomodVendorCheck bool
	ForceGomodTidy   bool
}

// Registry is the subset of golangregistry.Registry the resolver needs;
// accepting the interface (not the concrete HTTPRegistry) keeps the
// resolver testable against a fake.
type Registry = golangregistry.Registry

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolve processes a single gomod PackageInput rooted at pkgRelPath
// within sourceRoot, downloading every required module into
// outputRoot/deps/gomod/... and building its SBOM contribution.
func Resolve(ctx context.Context, reg Registry, sourceRoot, outputRoot rootedpath.RootedPath, pkgRelPath string, mainRepo *repoid.RepoID, opts Options) (*Result, error) {
	if _, err := sourceRoot.Join(pkgRelPath); err != nil {
		return nil, err
	}

	goModRel := joinRel(pkgRelPath, "go.mod")
	goModPath, err := sourceRoot.Join(goModRel)
	if err != nil {
		return nil, err
	}
	goModData, err := os.ReadFile(goModPath.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("go.mod not found at %s", goModRel).
			WithSolution("make sure the package path points at a Go module root")
	}
	var goSumData []byte
	if goSumPath, err := sourceRoot.Join(joinRel(pkgRelPath, "go.sum")); err == nil {
		goSumData, _ = os.ReadFile(goSumPath.Abs())
	}

	if err := gomod.CheckNoGoSourceSymlinks(sourceRoot, pkgRelPath); err != nil {
		return nil, err
	}

	parsed, err := gomod.Parse(goModPath.Abs(), goModData, goSumData)
	if err != nil {
		return nil, err
	}

	mainVersion := resolveMainVersion(sourceRoot, pkgRelPath, parsed.Main.Path, mainRepo)

	var components []sbom.Component
	mainPurl := purl.Golang(parsed.Main.Path, mainVersion, false)
	mainComponent := sbom.New(parsed.Main.Path, mainVersion, mainPurl)
	if mainRepo != nil {
		mainComponent.ExternalReferences = append(mainComponent.ExternalReferences, sbom.ExternalReference{
			Type: "vcs", URL: mainRepo.CanonicalURL,
		})
	}
	components = append(components, mainComponent)

	if opts.GomodVendor || opts.GomodVendorCheck {
		vendored, err := resolveVendored(sourceRoot, pkgRelPath, parsed, opts.GomodVendorCheck)
		if err != nil {
			return nil, err
		}
		components = append(components, vendored...)
		return &Result{Components: components, EnvVars: goEnvVars(opts)}, nil
	}

	depsDir, err := outputRoot.Join("deps", "gomod")
	if err != nil {
		return nil, err
	}

	sort.Slice(parsed.Modules, func(i, j int) bool { return parsed.Modules[i].Path < parsed.Modules[j].Path })

	mainPkgDir, err := sourceRoot.Join(pkgRelPath)
	if err != nil {
		return nil, err
	}
	modSources := []moduleSource{
		{Path: parsed.Main.Path, Version: mainVersion, Dir: mainPkgDir.Abs()},
	}

	for _, m := range parsed.Modules {
		if m.Replace != nil && m.Replace.LocalPath != "" {
			comp, src, err := resolveLocalReplacement(sourceRoot, pkgRelPath, parsed.Main.Path, m)
			if err != nil {
				return nil, err
			}
			components = append(components, comp)
			modSources = append(modSources, src)
			continue
		}
		version := m.Version
		realPath := m.Path
		if m.Replace != nil {
			realPath, version = m.Replace.Path, m.Replace.Version
		}

		comp := sbom.New(realPath, version, purl.Golang(realPath, version, false))
		src := moduleSource{Path: realPath, Version: version}
		if !m.InSum {
			comp = comp.WithMissingHash(goModRel)
		} else {
			zipPath, err := downloadAndVerify(ctx, reg, depsDir, realPath, version, m.H1)
			if err != nil {
				return nil, err
			}
			src.ZipPath = zipPath
		}
		components = append(components, comp)
		modSources = append(modSources, src)
	}

	// One ?type=package component per compiled Go package: every package of
	// the main module plus everything transitively imported, read from the
	// source tree and the downloaded module zips.
	pkgComponents, err := packageComponents(mainPkgDir.Abs(), parsed.Main.Path, mainVersion, modSources)
	if err != nil {
		return nil, err
	}
	components = append(components, pkgComponents...)

	return &Result{Components: components, EnvVars: goEnvVars(opts)}, nil
}

func goEnvVars(opts Options) []project.EnvironmentVariable {
	envVars := []project.EnvironmentVariable{
		{Name: "GOPATH", Value: project.Placeholder + "/deps/gomod", Kind: project.KindPath},
		{Name: "GOCACHE", Value: project.Placeholder + "/deps/gomod/cache/build", Kind: project.KindPath},
		{Name: "GOMODCACHE", Value: project.Placeholder + "/deps/gomod/pkg/mod", Kind: project.KindPath},
		{Name: "GOPROXY", Value: "off", Kind: project.KindLiteral},
		{Name: "GOSUMDB", Value: "off", Kind: project.KindLiteral},
		{Name: "GO111MODULE", Value: "on", Kind: project.KindLiteral},
	}
	if opts.CgoDisable {
		envVars = append(envVars, project.EnvironmentVariable{Name: "CGO_ENABLED", Value: "0", Kind: project.KindLiteral})
	}
	return envVars
}

// resolveMainVersion prefers the git-tag derivation; outside a usable
// git checkout it degrades to the bare HEAD commit (or nothing at all).
func resolveMainVersion(sourceRoot rootedpath.RootedPath, pkgRelPath, modulePath string, repo *repoid.RepoID) string {
	subpath := path.Clean(pkgRelPath)
	if subpath == "." {
		subpath = ""
	}
	if v, err := ResolveMainModuleVersion(sourceRoot.Abs(), modulePath, subpath); err == nil {
		return v
	}
	if repo == nil {
		return ""
	}
	return repo.CommitID
}

func resolveLocalReplacement(sourceRoot rootedpath.RootedPath, pkgRelPath, mainModulePath string, m gomod.Module) (sbom.Component, moduleSource, error) {
	rp, err := sourceRoot.Join(path.Join(pkgRelPath, m.Replace.LocalPath))
	if err != nil {
		return sbom.Component{}, moduleSource{}, cachierr.PackageRejected("local replacement %q escapes source_dir: %s", m.Replace.LocalPath, err)
	}
	realPath := path.Join(mainModulePath, m.Replace.LocalPath)
	comp := sbom.New(realPath, "", purl.Golang(realPath, "", false))
	// The original import path is what source files refer to; the component
	// carries the recomputed real path.
	return comp, moduleSource{Path: m.Path, Dir: rp.Abs()}, nil
}

func downloadAndVerify(ctx context.Context, reg Registry, depsDir rootedpath.RootedPath, modPath, version, wantH1 string) (string, error) {
	rc, err := reg.Module(ctx, modPath, version)
	if err != nil {
		return "", cachierr.Fetch("downloading module %s@%s: %s", modPath, version, err).WithCause(err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "gomod-*.zip")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file for module zip")
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing module zip")
	}
	tmp.Close()

	if wantH1 != "" {
		got, err := dirhash.HashZip(tmp.Name(), dirhash.Hash1)
		if err != nil {
			return "", errors.Wrap(err, "hashing module zip")
		}
		if got != wantH1 {
			return "", cachierr.PackageRejected("checksum mismatch for %s@%s: got %s, want %s", modPath, version, got, wantH1)
		}
	}

	destDir, err := depsDir.Join("cache", "download", modPath, "@v")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir.Abs(), 0o755); err != nil {
		return "", errors.Wrap(err, "creating module cache directory")
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", err
	}
	dest, err := destDir.Join(version + ".zip")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest.Abs(), data, 0o644); err != nil {
		return "", err
	}
	return dest.Abs(), nil
}

func joinRel(parts ...string) string {
	return path.Join(parts...)
}
