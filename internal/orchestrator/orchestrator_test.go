package orchestrator

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/containerbuildsystem/cachi2-go/internal/httpx/httpxtest"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/request"
)

const npmLock = `{
  "name": "foo",
  "version": "1.0.0",
  "lockfileVersion": 2,
  "packages": {
    "": {"name": "foo", "version": "1.0.0"},
    "node_modules/bar": {
      "version": "2.0.0",
      "resolved": "https://registry.npmjs.org/bar/-/bar-2.0.0.tgz"
    }
  }
}`

func newRequest(t *testing.T, packages []request.PackageInput, flags []request.Flag) *request.Request {
	t.Helper()
	sourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "package-lock.json"), []byte(npmLock), 0o644); err != nil {
		t.Fatal(err)
	}
	req, err := request.New(sourceDir, t.TempDir(), packages, flags)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestResolvePackages(t *testing.T) {
	req := newRequest(t, []request.PackageInput{{Type: request.TypeNPM, Path: "."}}, nil)
	client := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("tarball")}}},
		SkipURLValidation: true,
	}
	o := &Orchestrator{Client: client}
	out, err := o.ResolvePackages(context.Background(), req)
	if err != nil {
		t.Fatalf("ResolvePackages: %v", err)
	}

	if !sort.SliceIsSorted(out.Components, func(i, j int) bool {
		return out.Components[i].Purl < out.Components[j].Purl
	}) {
		t.Error("components must be sorted by purl")
	}
	found := false
	for _, c := range out.Components {
		if c.Purl == "pkg:npm/bar@2.0.0" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing bar component: %v", out.Components)
	}
	if _, err := os.Stat(filepath.Join(req.OutputDir, "deps", "npm", "bar-2.0.0.tgz")); err != nil {
		t.Errorf("tarball not downloaded: %v", err)
	}
	if len(out.ProjectFiles) != 1 || out.ProjectFiles[0].AbsPath != filepath.Join(req.SourceDir, "package-lock.json") {
		t.Errorf("project files = %v", out.ProjectFiles)
	}
}

func TestResolvePackagesRejectsDisabledDevType(t *testing.T) {
	// Bypass request.New (which also gates dev types) to exercise the
	// orchestrator's own enabled-set check.
	req := &request.Request{
		SourceDir: t.TempDir(),
		OutputDir: t.TempDir(),
		Packages:  []request.PackageInput{{Type: request.TypeYarnClassic, Path: "."}},
		Flags:     map[request.Flag]bool{},
	}
	o := &Orchestrator{Client: &httpxtest.MockClient{SkipURLValidation: true}}
	if _, err := o.ResolvePackages(context.Background(), req); err == nil {
		t.Fatal("expected rejection of yarn-classic without dev-package-managers")
	}
}

func TestYarnWorkingCopyPathRewrite(t *testing.T) {
	sourceDir := t.TempDir()
	lock := "# yarn lockfile v1\n"
	if err := os.WriteFile(filepath.Join(sourceDir, "yarn.lock"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}
	req, err := request.New(sourceDir, t.TempDir(),
		[]request.PackageInput{{Type: request.TypeYarnClassic, Path: "."}},
		[]request.Flag{request.FlagDevPackageManagers})
	if err != nil {
		t.Fatal(err)
	}
	o := &Orchestrator{Client: &httpxtest.MockClient{SkipURLValidation: true}}
	out, err := o.ResolvePackages(context.Background(), req)
	if err != nil {
		t.Fatalf("ResolvePackages: %v", err)
	}
	var lockFile *project.ProjectFile
	for i := range out.ProjectFiles {
		if filepath.Base(out.ProjectFiles[i].AbsPath) == "yarn.lock" {
			lockFile = &out.ProjectFiles[i]
		}
	}
	if lockFile == nil {
		t.Fatal("missing yarn.lock project file")
	}
	if lockFile.AbsPath != filepath.Join(req.SourceDir, "yarn.lock") {
		t.Errorf("project file path %q not rewritten into the original source dir %q", lockFile.AbsPath, req.SourceDir)
	}
}
