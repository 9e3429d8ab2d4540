// Package pip implements the pip resolver: process each
// requirements file, download PyPI sdists (and wheels when binaries are
// allowed), URL artifacts, and VCS checkouts into output_dir/deps/pip,
// verify hashes per the user/index digest rules, and rewrite external
// requirement lines to consume-time file:// URLs.
package pip

import (
	"context"
	"net/url"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	"github.com/containerbuildsystem/cachi2-go/internal/gitfetch"
	lockpip "github.com/containerbuildsystem/cachi2-go/internal/lock/pip"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/repoid"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	pypiregistry "github.com/containerbuildsystem/cachi2-go/pkg/registry/pypi"
	"github.com/pkg/errors"
)

// Index is the subset of the PyPI registry client the resolver needs.
type Index interface {
	SimpleIndex(ctx context.Context, project string) ([]pypiregistry.IndexFile, error)
}

// Options carries the pip-specific PackageInput fields.
type Options struct {
	Path                   string
	RequirementsFiles      []string
	RequirementsBuildFiles []string
	AllowBinary            bool
}

// Result is one resolved package's contribution to the merged RequestOutput.
type Result struct {
	Components   []sbom.Component
	EnvVars      []project.EnvironmentVariable
	ProjectFiles []project.ProjectFile
}

// Resolver holds the collaborators the pip resolver drives.
type Resolver struct {
	Fetcher *fetch.Fetcher
	// InsecureFetcher, when set, is used for URLs whose host matches a
	// --trusted-host option (TLS verification suppressed).
	InsecureFetcher *fetch.Fetcher
	Index           Index
	CloneCommit     func(ctx context.Context, url, commit string) (*gitfetch.Result, error)
}

func (r *Resolver) cloneCommit(ctx context.Context, url, commit string) (*gitfetch.Result, error) {
	if r.CloneCommit != nil {
		return r.CloneCommit(ctx, url, commit)
	}
	return gitfetch.FetchCommit(ctx, url, commit)
}

func (r *Resolver) fetcherFor(rawURL string, trustedHosts []string) *fetch.Fetcher {
	if r.InsecureFetcher == nil {
		return r.Fetcher
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return r.Fetcher
	}
	for _, h := range trustedHosts {
		if h == u.Host || h == u.Hostname() {
			return r.InsecureFetcher
		}
	}
	return r.Fetcher
}

// parsedFile is one requirements file (top-level or -r/-c included), with
// its content retained verbatim for project-file rewriting.
type parsedFile struct {
	rel     string
	abs     string
	content string
	result  *lockpip.ParseResult
	build   bool
}

// Resolve processes a single pip PackageInput.
func (r *Resolver) Resolve(ctx context.Context, sourceRoot, outputRoot rootedpath.RootedPath, opts Options, mainRepo *repoid.RepoID) (*Result, error) {
	pkgDir, err := sourceRoot.Join(opts.Path)
	if err != nil {
		return nil, err
	}

	files, err := r.loadRequirementFiles(sourceRoot, opts)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, cachierr.PackageRejected("no requirements files found at %s", opts.Path).
			WithSolution("add a requirements.txt (or name the files explicitly in the package input)")
	}

	meta := lockpip.ExtractProjectMeta(pkgDir, fallbackName(mainRepo))
	vcsURL := ""
	if mainRepo != nil {
		vcsURL = mainRepo.AsVCSURLQualifier()
	}
	components := []sbom.Component{
		sbom.New(meta.Name, meta.Version, purl.PyPIMain(meta.Name, meta.Version, vcsURL, subpathOf(opts.Path))),
	}

	depsDir, err := outputRoot.Join("deps", "pip")
	if err != nil {
		return nil, err
	}

	var projectFiles []project.ProjectFile
	for _, f := range files {
		// Hashes become mandatory for the whole file once any line carries
		// one or --require-hashes is set.
		hashesRequired := f.result.Options.RequireHashes || anyHashes(f.result.Requirements)
		rewrites := map[string]string{}
		for _, req := range f.result.Requirements {
			comp, rewritten, err := r.resolveRequirement(ctx, req, f, depsDir, hashesRequired, opts.AllowBinary)
			if err != nil {
				return nil, err
			}
			components = append(components, comp)
			if rewritten != "" {
				rewrites[req.OriginalLine] = rewritten
			}
		}
		if len(rewrites) > 0 {
			projectFiles = append(projectFiles, project.ProjectFile{
				AbsPath:  f.abs,
				Template: rewriteContent(f.content, rewrites),
			})
		}
	}

	envVars := []project.EnvironmentVariable{
		{Name: "PIP_FIND_LINKS", Value: project.Placeholder + "/deps/pip", Kind: project.KindPath},
		{Name: "PIP_NO_INDEX", Value: "true", Kind: project.KindLiteral},
	}
	return &Result{Components: components, EnvVars: envVars, ProjectFiles: projectFiles}, nil
}

func fallbackName(mainRepo *repoid.RepoID) string {
	if mainRepo == nil {
		return "unknown"
	}
	base := path.Base(mainRepo.CanonicalURL)
	return strings.TrimSuffix(base, ".git")
}

func subpathOf(rel string) string {
	p := path.Clean(rel)
	if p == "." || p == "/" {
		return ""
	}
	return p
}

// loadRequirementFiles reads the configured (or default) requirements
// files, following -r/-c includes relative to each file's directory.
func (r *Resolver) loadRequirementFiles(sourceRoot rootedpath.RootedPath, opts Options) ([]parsedFile, error) {
	var out []parsedFile
	seen := map[string]bool{}

	var load func(rel string, build, required bool) error
	load = func(rel string, build, required bool) error {
		if seen[rel] {
			return nil
		}
		seen[rel] = true
		rp, err := sourceRoot.Join(rel)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(rp.Abs())
		if err != nil {
			if !required && os.IsNotExist(err) {
				return nil
			}
			return cachierr.PackageRejected("requirements file not found: %s", rel).
				WithSolution("check the requirements_files paths in the package input")
		}
		res, err := lockpip.Parse(string(data))
		if err != nil {
			return err
		}
		out = append(out, parsedFile{rel: rel, abs: rp.Abs(), content: string(data), result: res, build: build})
		for _, inc := range res.Includes {
			if err := load(path.Join(path.Dir(rel), inc), build, true); err != nil {
				return err
			}
		}
		return nil
	}

	reqFiles := opts.RequirementsFiles
	required := len(reqFiles) > 0
	if !required {
		reqFiles = []string{path.Join(opts.Path, "requirements.txt")}
	}
	for _, f := range reqFiles {
		if err := load(relWithin(opts.Path, f, required), false, required); err != nil {
			return nil, err
		}
	}
	buildFiles := opts.RequirementsBuildFiles
	buildRequired := len(buildFiles) > 0
	if !buildRequired {
		buildFiles = []string{path.Join(opts.Path, "requirements-build.txt")}
	}
	for _, f := range buildFiles {
		if err := load(relWithin(opts.Path, f, buildRequired), true, buildRequired); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// relWithin interprets explicitly-configured file paths relative to the
// package directory; defaults are already package-relative.
func relWithin(pkgPath, file string, explicit bool) string {
	if explicit {
		return path.Join(pkgPath, file)
	}
	return file
}

func anyHashes(reqs []lockpip.Requirement) bool {
	for _, req := range reqs {
		if len(req.Hashes) > 0 {
			return true
		}
	}
	return false
}

func (r *Resolver) resolveRequirement(ctx context.Context, req lockpip.Requirement, f parsedFile, depsDir rootedpath.RootedPath, hashesRequired, allowBinary bool) (sbom.Component, string, error) {
	switch req.Kind {
	case lockpip.KindPyPI:
		comp, err := r.resolvePyPI(ctx, req, f, depsDir, hashesRequired, allowBinary)
		return comp, "", err
	case lockpip.KindURL:
		return r.resolveURL(ctx, req, f, depsDir)
	case lockpip.KindVCS:
		return r.resolveVCS(ctx, req, f, depsDir)
	default:
		return sbom.Component{}, "", cachierr.UnexpectedFormat("unknown pip requirement kind %q", req.Kind)
	}
}

func (r *Resolver) resolvePyPI(ctx context.Context, req lockpip.Requirement, f parsedFile, depsDir rootedpath.RootedPath, hashesRequired, allowBinary bool) (sbom.Component, error) {
	if req.Version == "" {
		return sbom.Component{}, cachierr.PackageRejected("requirement %q is not pinned to an exact version", req.Name).
			WithSolution("pin the requirement with '=='")
	}
	if hashesRequired && len(req.Hashes) == 0 {
		return sbom.Component{}, cachierr.PackageRejected("requirement %q has no hash but hashes are required in %s", req.Name, f.rel)
	}

	index, err := r.Index.SimpleIndex(ctx, req.Name)
	if err != nil {
		return sbom.Component{}, cachierr.Fetch("querying index for %s: %s", req.Name, err).WithCause(err)
	}
	sdist, wheels, ok := selectArtifacts(index, req.Name, req.Version)
	if !ok {
		return sbom.Component{}, cachierr.PackageRejected("no sdist found for %s==%s", req.Name, req.Version).
			WithDocs("https://github.com/containerbuildsystem/cachi2/blob/main/docs/pip.md#no-sdist")
	}

	comp := sbom.New(req.Name, req.Version, purl.PyPI(req.Name, req.Version, ""))

	artifacts := []pypiregistry.IndexFile{sdist}
	// Binary wheels are opt-in; when taken, the component is flagged.
	binary := false
	if allowBinary && len(wheels) > 0 {
		artifacts = append(artifacts, wheels...)
		binary = true
	}

	anyVerified := false
	for _, a := range artifacts {
		dest, err := depsDir.Join(a.Filename)
		if err != nil {
			return sbom.Component{}, err
		}
		sums, verified, err := combineChecksums(req.Hashes, a)
		if err != nil {
			return sbom.Component{}, err
		}
		anyVerified = anyVerified || verified
		job := fetch.Job{URL: a.URL, Dest: dest, Checksums: sums}
		if err := r.Fetcher.FetchAll(ctx, []fetch.Job{job}); err != nil {
			return sbom.Component{}, cachierr.Fetch("downloading %s: %s", a.Filename, err).WithCause(err)
		}
		if isSdist(a.Filename) {
			if err := checkSdistPkgInfo(dest.Abs()); err != nil {
				return sbom.Component{}, err
			}
		}
	}
	if !anyVerified {
		comp = comp.WithMissingHash(f.rel)
	}
	if binary {
		comp = comp.WithProperty(sbom.PropPipBinary, "true")
	}
	return comp, nil
}

// combineChecksums applies the hash verification matrix:
// both user hashes and an index digest present -> their intersection (an
// empty intersection is a mismatch); only one side present -> that side;
// neither -> no verification (the caller records missing_hash).
func combineChecksums(user []checksum.Info, a pypiregistry.IndexFile) ([]checksum.Info, bool, error) {
	var index []checksum.Info
	if a.DigestAlgo != "" {
		if h, err := checksum.ParseAlgorithm(a.DigestAlgo); err == nil {
			index = append(index, checksum.Info{Algorithm: h, Hex: a.DigestHex})
		}
	}
	switch {
	case len(user) > 0 && len(index) > 0:
		var both []checksum.Info
		for _, u := range user {
			for _, i := range index {
				if u.Algorithm == i.Algorithm && strings.EqualFold(u.Hex, i.Hex) {
					both = append(both, u)
				}
			}
		}
		if len(both) == 0 {
			return nil, false, cachierr.PackageRejected("hash mismatch for %s: user-declared hashes do not intersect the index digests", a.Filename)
		}
		return both, true, nil
	case len(user) > 0:
		return user, true, nil
	case len(index) > 0:
		return index, true, nil
	default:
		return nil, false, nil
	}
}

var wheelRE = regexp.MustCompile(`^(?P<name>[^-]+(?:-[^-]+)*?)-(?P<version>[^-]+)(-\d+)?-(?P<py>[^-]+)-(?P<abi>[^-]+)-(?P<plat>[^-]+)\.whl$`)

var sdistExtensions = []string{".tar.gz", ".zip", ".tar.bz2", ".tar.xz", ".tar.Z", ".tar"}

func isSdist(filename string) bool {
	for _, ext := range sdistExtensions {
		if strings.HasSuffix(filename, ext) {
			return true
		}
	}
	return false
}

// selectArtifacts picks one sdist for (name, version) -- preferring
// not-yanked over yanked and .tar.gz > .zip > other -- plus every matching
// wheel (returned for the caller to use only when binaries are allowed).
func selectArtifacts(index []pypiregistry.IndexFile, name, version string) (sdist pypiregistry.IndexFile, wheels []pypiregistry.IndexFile, ok bool) {
	canonical := pypiregistry.CanonicalName(name)
	var sdists []pypiregistry.IndexFile
	for _, f := range index {
		if isSdist(f.Filename) && sdistMatches(f.Filename, canonical, version) {
			sdists = append(sdists, f)
		}
		if m := wheelRE.FindStringSubmatch(f.Filename); m != nil {
			if pypiregistry.CanonicalName(m[1]) == canonical && canonicalVersion(m[2]) == canonicalVersion(version) {
				wheels = append(wheels, f)
			}
		}
	}
	if len(sdists) == 0 {
		return pypiregistry.IndexFile{}, nil, false
	}
	sort.SliceStable(sdists, func(i, j int) bool {
		if sdists[i].Yanked != sdists[j].Yanked {
			return !sdists[i].Yanked
		}
		return extRank(sdists[i].Filename) < extRank(sdists[j].Filename)
	})
	return sdists[0], wheels, true
}

func extRank(filename string) int {
	switch {
	case strings.HasSuffix(filename, ".tar.gz"):
		return 0
	case strings.HasSuffix(filename, ".zip"):
		return 1
	default:
		return 2
	}
}

func sdistMatches(filename, canonicalName, version string) bool {
	stem := filename
	for _, ext := range sdistExtensions {
		if strings.HasSuffix(stem, ext) {
			stem = strings.TrimSuffix(stem, ext)
			break
		}
	}
	idx := strings.LastIndexByte(stem, '-')
	if idx <= 0 {
		return false
	}
	return pypiregistry.CanonicalName(stem[:idx]) == canonicalName &&
		canonicalVersion(stem[idx+1:]) == canonicalVersion(version)
}

// canonicalVersion performs the minimal PEP 440 normalization needed for
// filename matching: lowercase and a stripped "v" prefix.
func canonicalVersion(v string) string {
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

func (r *Resolver) resolveURL(ctx context.Context, req lockpip.Requirement, f parsedFile, depsDir rootedpath.RootedPath) (sbom.Component, string, error) {
	if len(req.Hashes) != 1 {
		return sbom.Component{}, "", cachierr.PackageRejected("URL requirement %q must have exactly one hash (--hash or #cachito_hash), got %d", req.Name, len(req.Hashes)).
			WithSolution("add a single --hash option to the requirement line")
	}
	info := req.Hashes[0]
	algo, digest := checksum.Describe(info)
	ext := urlExtension(req.RawURL)
	relPath := path.Join("external-"+req.Name, req.Name+"-external-"+algo+"-"+digest+ext)
	dest, err := depsDir.Join(relPath)
	if err != nil {
		return sbom.Component{}, "", err
	}
	fetcher := r.fetcherFor(req.RawURL, f.result.Options.TrustedHosts)
	if err := fetcher.FetchAll(ctx, []fetch.Job{{URL: req.RawURL, Dest: dest, Checksums: []checksum.Info{info}}}); err != nil {
		return sbom.Component{}, "", cachierr.Fetch("downloading %s: %s", req.RawURL, err).WithCause(err)
	}
	comp := sbom.New(req.Name, "", purl.PyPIURL(req.Name, req.RawURL, algo+":"+digest))
	rewritten := req.Name + " @ file://" + project.Placeholder + "/deps/pip/" + relPath + " --hash=" + algo + ":" + digest
	return comp, rewritten, nil
}

func urlExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".tar.gz"
	}
	base := path.Base(u.Path)
	for _, ext := range sdistExtensions {
		if strings.HasSuffix(base, ext) {
			return ext
		}
	}
	if ext := path.Ext(base); ext != "" {
		return ext
	}
	return ".tar.gz"
}

func (r *Resolver) resolveVCS(ctx context.Context, req lockpip.Requirement, f parsedFile, depsDir rootedpath.RootedPath) (sbom.Component, string, error) {
	if !isFullCommit(req.Ref) {
		return sbom.Component{}, "", cachierr.PackageRejected("VCS requirement %q is not pinned to a 40-character commit: %q", req.Name, req.Ref).
			WithSolution("pin the requirement to a full commit hash after '@'")
	}
	host, ns, repo, err := splitRepoURL(req.RawURL)
	if err != nil {
		return sbom.Component{}, "", err
	}
	relPath := path.Join(host, ns, repo, repo+"-external-gitcommit-"+req.Ref+".tar.gz")
	dest, err := depsDir.Join(relPath)
	if err != nil {
		return sbom.Component{}, "", err
	}
	res, err := r.cloneCommit(ctx, req.RawURL, req.Ref)
	if err != nil {
		return sbom.Component{}, "", cachierr.Fetch("cloning %s: %s", req.RawURL, err).WithCause(err)
	}
	if len(req.Hashes) > 0 {
		if err := checksum.Verify(strings.NewReader(string(res.Archive)), req.Hashes); err != nil {
			return sbom.Component{}, "", cachierr.PackageRejected("checksum mismatch for VCS requirement %q: %s", req.Name, err)
		}
	}
	if err := os.MkdirAll(path.Dir(dest.Abs()), 0o755); err != nil {
		return sbom.Component{}, "", errors.Wrap(err, "creating vcs dependency directory")
	}
	if err := os.WriteFile(dest.Abs(), res.Archive, 0o644); err != nil {
		return sbom.Component{}, "", errors.Wrap(err, "writing vcs dependency tarball")
	}
	comp := sbom.New(req.Name, "", purl.PyPIVCS(req.Name, "git+"+req.RawURL+"@"+req.Ref))
	if len(req.Hashes) == 0 {
		comp = comp.WithMissingHash(f.rel)
	}
	rewritten := req.Name + " @ file://" + project.Placeholder + "/deps/pip/" + relPath
	for _, h := range req.Hashes {
		algo, digest := checksum.Describe(h)
		rewritten += " --hash=" + algo + ":" + digest
	}
	return comp, rewritten, nil
}

func isFullCommit(ref string) bool {
	if len(ref) != 40 {
		return false
	}
	for _, c := range ref {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func splitRepoURL(rawURL string) (host, ns, repo string, err error) {
	u, perr := url.Parse(rawURL)
	if perr != nil || u.Host == "" {
		return "", "", "", cachierr.UnexpectedFormat("malformed VCS URL: %s", rawURL)
	}
	trimmed := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "", "", "", cachierr.UnexpectedFormat("VCS URL has no namespace/repo: %s", rawURL)
	}
	return u.Hostname(), strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

// rewriteContent replaces each external requirement's verbatim line with
// its consume-time file:// form, leaving every other line untouched.
func rewriteContent(content string, rewrites map[string]string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if repl, ok := rewrites[line]; ok {
			lines[i] = repl
		}
	}
	return strings.Join(lines, "\n")
}
