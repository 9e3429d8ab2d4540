package bundler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	"github.com/containerbuildsystem/cachi2-go/internal/gitfetch"
	"github.com/containerbuildsystem/cachi2-go/internal/httpx/httpxtest"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
)

const lockContent = `GIT
  remote: https://github.com/rails/rails.git
  revision: 6b93fff8af32ef5e91f4ec3cfffb081d0553faf0
  specs:
    activesupport (7.2.0)

GEM
  remote: https://rubygems.org/
  specs:
    racc (1.7.3)

PLATFORMS
  ruby

DEPENDENCIES
  activesupport!
  racc
`

func newRoots(t *testing.T) (source, output rootedpath.RootedPath) {
	t.Helper()
	src, err := rootedpath.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	out, err := rootedpath.NewRoot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return src, out
}

func TestResolve(t *testing.T) {
	source, output := newRoots(t)
	if err := os.WriteFile(filepath.Join(source.Abs(), "Gemfile.lock"), []byte(lockContent), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL:      "https://rubygems.org/gems/racc-1.7.3.gem",
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("gem bytes")},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	r := &Resolver{
		Fetcher: fetch.New(client, 1, time.Millisecond),
		CloneCommit: func(_ context.Context, url, commit string) (*gitfetch.Result, error) {
			return &gitfetch.Result{Commit: commit, Archive: []byte("tar")}, nil
		},
	}

	res, err := r.Resolve(context.Background(), source, output, ".", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, err := os.Stat(filepath.Join(output.Abs(), "deps", "bundler", "racc-1.7.3.gem")); err != nil {
		t.Errorf("gem not written: %v", err)
	}
	gitTarball := filepath.Join(output.Abs(), "deps", "bundler", "github.com", "rails", "rails",
		"rails-external-gitcommit-6b93fff8af32ef5e91f4ec3cfffb081d0553faf0.tar.gz")
	if _, err := os.Stat(gitTarball); err != nil {
		t.Errorf("git gem tarball not written: %v", err)
	}

	purls := map[string]bool{}
	for _, c := range res.Components {
		purls[c.Purl] = true
	}
	if !purls["pkg:gem/racc@1.7.3"] {
		t.Errorf("missing racc component: %v", purls)
	}

	if len(res.ProjectFiles) != 1 {
		t.Fatalf("expected one project file, got %d", len(res.ProjectFiles))
	}
	pf := res.ProjectFiles[0]
	if !strings.HasSuffix(pf.AbsPath, filepath.Join("bundler", "config_override", "config")) {
		t.Errorf("unexpected config path: %s", pf.AbsPath)
	}
	for _, want := range []string{
		`BUNDLE_CACHE_PATH: "${output_dir}/deps/bundler"`,
		`BUNDLE_DEPLOYMENT: "true"`,
		`BUNDLE_NO_PRUNE: "true"`,
		`BUNDLE_VERSION: "system"`,
	} {
		if !strings.Contains(pf.Template, want) {
			t.Errorf("config missing %q", want)
		}
	}
}

func TestResolveConcatenatesUserConfig(t *testing.T) {
	source, output := newRoots(t)
	if err := os.WriteFile(filepath.Join(source.Abs(), "Gemfile.lock"), []byte("GEM\n  remote: https://rubygems.org/\n  specs:\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(source.Abs(), ".bundle"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source.Abs(), ".bundle", "config"), []byte(`BUNDLE_JOBS: "4"`), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &Resolver{Fetcher: fetch.New(&httpxtest.MockClient{SkipURLValidation: true}, 1, time.Millisecond)}
	res, err := r.Resolve(context.Background(), source, output, ".", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	tpl := res.ProjectFiles[0].Template
	if !strings.HasPrefix(tpl, `BUNDLE_JOBS: "4"`) || !strings.Contains(tpl, "BUNDLE_CACHE_PATH") {
		t.Errorf("user config not concatenated:\n%s", tpl)
	}
}

func TestMissingHashProvenance(t *testing.T) {
	source, output := newRoots(t)
	if err := os.WriteFile(filepath.Join(source.Abs(), "Gemfile.lock"),
		[]byte("GEM\n  remote: https://rubygems.org/\n  specs:\n    racc (1.7.3)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	client := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("gem")}}},
		SkipURLValidation: true,
	}
	r := &Resolver{Fetcher: fetch.New(client, 1, time.Millisecond)}
	res, err := r.Resolve(context.Background(), source, output, ".", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	found := false
	for _, c := range res.Components {
		for _, p := range c.Properties {
			if p.Name == sbom.PropMissingHashInFile && p.Value == "Gemfile.lock" {
				found = true
			}
		}
	}
	if !found {
		t.Error("expected missing_hash:in_file=Gemfile.lock property")
	}
}
