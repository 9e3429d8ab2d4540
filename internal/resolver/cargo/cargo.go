// Package cargo implements the Cargo resolver: parse Cargo.lock,
// download every remote crate, verify its sha256 checksum, lay the crates
// out as a vendor directory under output_dir/deps/cargo, and ensure a
// .cargo/config.toml that redirects crates.io to the vendored sources.
package cargo

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	lockcargo "github.com/containerbuildsystem/cachi2-go/internal/lock/cargo"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	"github.com/pkg/errors"
)

// sourceReplacement redirects the crates.io source to the vendored tree at
// build time.
const sourceReplacement = `[source.crates-io]
replace-with = "vendored-sources"

[source.vendored-sources]
directory = "${output_dir}/deps/cargo"
`

const cratesDownloadBase = "https://static.crates.io/crates"

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver holds the collaborators the Cargo resolver drives.
type Resolver struct {
	Fetcher *fetch.Fetcher
}

// Resolve processes a single cargo PackageInput rooted at pkgRelPath.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot, outputRoot rootedpath.RootedPath, pkgRelPath string, mainRepo *repoid.RepoID) (*Result, error) {
	pkgDir, err := sourceRoot.Join(pkgRelPath)
	if err != nil {
		return nil, err
	}
	lockRel := path.Join(pkgRelPath, "Cargo.lock")
	lockPath, err := sourceRoot.Join(lockRel)
	if err != nil {
		return nil, err
	}
	lockData, err := os.ReadFile(lockPath.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("Cargo.lock not found at %s", pkgRelPath).
			WithSolution("run 'cargo generate-lockfile' and commit the result")
	}
	lf, err := lockcargo.Parse(lockData)
	if err != nil {
		return nil, err
	}

	manifestPath, err := pkgDir.Join("Cargo.toml")
	if err != nil {
		return nil, err
	}
	manifestData, err := os.ReadFile(manifestPath.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("Cargo.toml not found at %s", pkgRelPath).
			WithSolution("make sure the package path points at a Cargo project root")
	}
	mainName, mainVersion, err := lockcargo.MainPackage(manifestData, path.Base(pkgDir.Abs()))
	if err != nil {
		return nil, err
	}

	vcsURL := ""
	if mainRepo != nil {
		vcsURL = mainRepo.AsVCSURLQualifier()
	}
	components := []sbom.Component{
		sbom.New(mainName, mainVersion, purl.CargoMain(mainName, mainVersion, vcsURL, subpathOf(pkgRelPath))),
	}

	depsDir, err := outputRoot.Join("deps", "cargo")
	if err != nil {
		return nil, err
	}

	for _, p := range lf.Packages {
		if p.Name == mainName && p.Version == mainVersion {
			continue
		}
		if !p.Remote() {
			// Workspace members and unverifiable sources are not vendored;
			// the former are part of the source tree already.
			continue
		}
		if err := r.vendorCrate(ctx, depsDir, p); err != nil {
			return nil, err
		}
		components = append(components, sbom.New(p.Name, p.Version, purl.Cargo(p.Name, p.Version)))
	}

	configFile, err := r.cargoConfig(pkgDir)
	if err != nil {
		return nil, err
	}

	envVars := []project.EnvironmentVariable{
		{Name: "CARGO_NET_OFFLINE", Value: "true", Kind: project.KindLiteral},
	}
	return &Result{Components: components, EnvVars: envVars, ProjectFiles: []project.ProjectFile{configFile}}, nil
}

// vendorCrate downloads one .crate archive, verifies its sha256 checksum,
// extracts it into depsDir/<name>-<version>/, and writes the
// .cargo-checksum.json marker cargo requires of a vendored source.
func (r *Resolver) vendorCrate(ctx context.Context, depsDir rootedpath.RootedPath, p lockcargo.Package) error {
	crateFile, err := depsDir.Join(p.Name + "-" + p.Version + ".crate")
	if err != nil {
		return err
	}
	info := checksum.Info{Algorithm: crypto.SHA256, Hex: p.Checksum}
	job := fetch.Job{
		URL:       cratesDownloadBase + "/" + p.Name + "/" + p.Name + "-" + p.Version + ".crate",
		Dest:      crateFile,
		Checksums: []checksum.Info{info},
	}
	if err := r.Fetcher.FetchAll(ctx, []fetch.Job{job}); err != nil {
		return cachierr.Fetch("downloading crate %s@%s: %s", p.Name, p.Version, err).WithCause(err)
	}

	crateDir, err := depsDir.Join(p.Name + "-" + p.Version)
	if err != nil {
		return err
	}
	if err := extractCrate(crateFile.Abs(), crateDir); err != nil {
		return err
	}
	marker, err := crateDir.Join(".cargo-checksum.json")
	if err != nil {
		return err
	}
	data, err := json.Marshal(map[string]any{"files": map[string]string{}, "package": p.Checksum})
	if err != nil {
		return err
	}
	if err := os.WriteFile(marker.Abs(), data, 0o644); err != nil {
		return errors.Wrap(err, "writing .cargo-checksum.json")
	}
	// The archive itself is not part of the vendor layout.
	return os.Remove(crateFile.Abs())
}

// extractCrate unpacks a .crate (tar.gz with a single <name>-<version>/
// top-level directory) into dest, containment-checking every member name.
func extractCrate(cratePath string, dest rootedpath.RootedPath) error {
	f, err := os.Open(cratePath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", cratePath)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "decompressing %s", cratePath)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s", cratePath)
		}
		rel := stripTopLevel(hdr.Name)
		if rel == "" {
			continue
		}
		target, err := dest.Join(rel)
		if err != nil {
			return cachierr.PackageRejected("crate member %q escapes the vendor directory: %s", hdr.Name, err).WithCause(err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target.Abs(), 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(path.Dir(target.Abs()), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target.Abs(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// stripTopLevel removes the "<name>-<version>/" archive prefix.
func stripTopLevel(name string) string {
	name = strings.TrimPrefix(path.Clean(name), "./")
	if idx := strings.IndexByte(name, '/'); idx >= 0 {
		return name[idx+1:]
	}
	return ""
}

// cargoConfig emits the .cargo/config.toml project file, appending the
// source replacement to any configuration the project already has.
func (r *Resolver) cargoConfig(pkgDir rootedpath.RootedPath) (project.ProjectFile, error) {
	configPath, err := pkgDir.Join(".cargo", "config.toml")
	if err != nil {
		return project.ProjectFile{}, err
	}
	template := sourceReplacement
	if data, err := os.ReadFile(configPath.Abs()); err == nil {
		existing := strings.TrimRight(string(data), "\n")
		if strings.Contains(existing, "vendored-sources") {
			template = string(data)
		} else {
			template = existing + "\n\n" + sourceReplacement
		}
	}
	return project.ProjectFile{AbsPath: configPath.Abs(), Template: template}, nil
}

func subpathOf(rel string) string {
	p := path.Clean(rel)
	if p == "." || p == "/" {
		return ""
	}
	return p
}
