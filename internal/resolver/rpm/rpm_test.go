package rpm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerbuildsystem/cachi2-go/internal/fetch"
	"github.com/containerbuildsystem/cachi2-go/internal/httpx/httpxtest"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
)

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

	binRPM := "binary rpm bytes"
	srcRPM := "source rpm bytes"
	binSum := sha256.Sum256([]byte(binRPM))
	srcSum := sha256.Sum256([]byte(srcRPM))

	lock := fmt.Sprintf(`lockfileVersion: 1
lockfileVendor: redhat
arches:
  - arch: x86_64
    packages:
      - url: https://example.com/repo/vim-enhanced-9.0.2120-1.el9.x86_64.rpm
        repoid: base
        checksum: sha256:%s
        size: 123
    source:
      - url: https://example.com/repo/vim-9.0.2120-1.el9.src.rpm
        repoid: base-source
        checksum: sha256:%s
`, hex.EncodeToString(binSum[:]), hex.EncodeToString(srcSum[:]))
	if err := os.WriteFile(filepath.Join(source.Abs(), "rpms.lock.yaml"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(binRPM)}},
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(srcRPM)}},
		},
		SkipURLValidation: true,
	}
	r := &Resolver{Fetcher: fetch.New(client, 1, time.Millisecond)}

	res, err := r.Resolve(context.Background(), source, output, ".")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if _, err := os.Stat(filepath.Join(output.Abs(), "deps", "rpm", "x86_64", "base", "vim-enhanced-9.0.2120-1.el9.x86_64.rpm")); err != nil {
		t.Errorf("binary rpm not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(output.Abs(), "deps", "rpm", "x86_64", "base-source", "vim-9.0.2120-1.el9.src.rpm")); err != nil {
		t.Errorf("source rpm not written: %v", err)
	}

	var binPurl string
	for _, c := range res.Components {
		if c.Name == "vim-enhanced" {
			binPurl = c.Purl
		}
	}
	if binPurl == "" {
		t.Fatalf("missing vim-enhanced component: %v", res.Components)
	}
	for _, q := range []string{"arch=x86_64", "checksum=", hex.EncodeToString(binSum[:]), "repository_id=base"} {
		if !strings.Contains(binPurl, q) {
			t.Errorf("purl %s missing qualifier %s", binPurl, q)
		}
	}
	if !strings.HasPrefix(binPurl, "pkg:rpm/redhat/vim-enhanced@9.0.2120-1.el9") {
		t.Errorf("unexpected purl: %s", binPurl)
	}
}

func TestParseNEVRA(t *testing.T) {
	n, err := parseNEVRA("bash-5.1.8-9.el9.x86_64.rpm")
	if err != nil {
		t.Fatal(err)
	}
	if n.name != "bash" || n.version != "5.1.8" || n.release != "9.el9" || n.arch != "x86_64" {
		t.Errorf("got %+v", n)
	}

	n, err = parseNEVRA("tzdata-2024a-1.el9.noarch.rpm")
	if err != nil {
		t.Fatal(err)
	}
	if n.name != "tzdata" || n.arch != "noarch" {
		t.Errorf("got %+v", n)
	}

	if _, err := parseNEVRA("garbage.rpm"); err == nil {
		t.Error("expected parse failure")
	}
}

func TestRejectsBadLockfile(t *testing.T) {
	source, output := newRoots(t)
	if err := os.WriteFile(filepath.Join(source.Abs(), "rpms.lock.yaml"),
		[]byte("lockfileVersion: 2\nlockfileVendor: redhat\narches: [{arch: x86_64, packages: [{url: https://x/y.rpm}]}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &Resolver{Fetcher: fetch.New(&httpxtest.MockClient{SkipURLValidation: true}, 1, time.Millisecond)}
	if _, err := r.Resolve(context.Background(), source, output, "."); err == nil {
		t.Fatal("expected rejection of lockfileVersion 2")
	}
}
