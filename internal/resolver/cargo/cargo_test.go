package cargo

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
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

func makeCrate(t *testing.T, topDir string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := map[string]string{
		topDir + "/Cargo.toml":  "[package]\nname = \"autocfg\"\n",
		topDir + "/src/lib.rs":  "// lib\n",
	}
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

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

	crate := makeCrate(t, "autocfg-1.1.0")
	sum := sha256.Sum256(crate)
	sumHex := hex.EncodeToString(sum[:])

	lock := fmt.Sprintf(`version = 3

[[package]]
name = "autocfg"
version = "1.1.0"
source = "registry+https://github.com/rust-lang/crates.io-index"
checksum = %q

[[package]]
name = "mycrate"
version = "0.1.0"
`, sumHex)
	if err := os.WriteFile(filepath.Join(source.Abs(), "Cargo.lock"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := "[package]\nname = \"mycrate\"\nversion = \"0.1.0\"\n"
	if err := os.WriteFile(filepath.Join(source.Abs(), "Cargo.toml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL:      "https://static.crates.io/crates/autocfg/autocfg-1.1.0.crate",
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(string(crate))},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	r := &Resolver{Fetcher: fetch.New(client, 1, time.Millisecond)}

	res, err := r.Resolve(context.Background(), source, output, ".", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	vendorDir := filepath.Join(output.Abs(), "deps", "cargo", "autocfg-1.1.0")
	if _, err := os.Stat(filepath.Join(vendorDir, "src", "lib.rs")); err != nil {
		t.Errorf("crate not extracted: %v", err)
	}
	marker, err := os.ReadFile(filepath.Join(vendorDir, ".cargo-checksum.json"))
	if err != nil {
		t.Fatalf(".cargo-checksum.json missing: %v", err)
	}
	if !strings.Contains(string(marker), sumHex) {
		t.Error(".cargo-checksum.json missing the package checksum")
	}
	if _, err := os.Stat(filepath.Join(output.Abs(), "deps", "cargo", "autocfg-1.1.0.crate")); !os.IsNotExist(err) {
		t.Error("the .crate archive should be removed after extraction")
	}

	purls := map[string]bool{}
	for _, c := range res.Components {
		purls[c.Purl] = true
	}
	if !purls["pkg:cargo/autocfg@1.1.0"] || !purls["pkg:cargo/mycrate@0.1.0"] {
		t.Errorf("components = %v", purls)
	}

	if len(res.ProjectFiles) != 1 {
		t.Fatalf("expected one project file, got %d", len(res.ProjectFiles))
	}
	pf := res.ProjectFiles[0]
	if !strings.HasSuffix(pf.AbsPath, filepath.Join(".cargo", "config.toml")) {
		t.Errorf("unexpected config path: %s", pf.AbsPath)
	}
	if !strings.Contains(pf.Template, `directory = "${output_dir}/deps/cargo"`) {
		t.Errorf("config missing vendored-sources directory:\n%s", pf.Template)
	}
}

func TestResolveChecksumMismatch(t *testing.T) {
	source, output := newRoots(t)
	lock := `version = 3

[[package]]
name = "autocfg"
version = "1.1.0"
source = "registry+https://github.com/rust-lang/crates.io-index"
checksum = "` + strings.Repeat("0", 64) + `"
`
	if err := os.WriteFile(filepath.Join(source.Abs(), "Cargo.lock"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source.Abs(), "Cargo.toml"), []byte("[package]\nname = \"m\"\nversion = \"0.1.0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	client := &httpxtest.MockClient{
		Calls:             []httpxtest.Call{{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("wrong bytes")}}},
		SkipURLValidation: true,
	}
	r := &Resolver{Fetcher: fetch.New(client, 1, time.Millisecond)}
	if _, err := r.Resolve(context.Background(), source, output, ".", nil); err == nil {
		t.Fatal("expected checksum mismatch")
	}
}
