package pip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
)

func pkgDirWith(t *testing.T, files map[string]string) rootedpath.RootedPath {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	root, err := rootedpath.NewRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	return root
}

func TestExtractProjectMetaPyproject(t *testing.T) {
	dir := pkgDirWith(t, map[string]string{
		"pyproject.toml": "[project]\nname = \"myapp\"\nversion = \"1.2.3\"\n",
		"setup.py":       "from setuptools import setup\nsetup(name='ignored')\n",
	})
	meta := ExtractProjectMeta(dir, "fallback")
	if meta.Name != "myapp" || meta.Version != "1.2.3" {
		t.Errorf("got %+v", meta)
	}
}

func TestExtractProjectMetaSetupPy(t *testing.T) {
	dir := pkgDirWith(t, map[string]string{
		"setup.py": `from setuptools import setup

VERSION = "0.7"

setup(
    name="aiowsgi",
    version=VERSION,
    packages=["aiowsgi"],
)
`,
	})
	meta := ExtractProjectMeta(dir, "fallback")
	if meta.Name != "aiowsgi" || meta.Version != "0.7" {
		t.Errorf("got %+v", meta)
	}
}

func TestExtractProjectMetaSetupCfg(t *testing.T) {
	dir := pkgDirWith(t, map[string]string{
		"setup.cfg": `[metadata]
name = myapp
version = attr: myapp.__version__

[options]
package_dir =
	= src
`,
		"src/myapp/__init__.py": "__version__ = \"2.0.0\"\n",
	})
	meta := ExtractProjectMeta(dir, "fallback")
	if meta.Name != "myapp" || meta.Version != "2.0.0" {
		t.Errorf("got %+v", meta)
	}
}

func TestExtractProjectMetaSetupCfgFileVersion(t *testing.T) {
	dir := pkgDirWith(t, map[string]string{
		"setup.cfg": "[metadata]\nname = myapp\nversion = file: VERSION\n",
		"VERSION":   "3.1.4\n",
	})
	meta := ExtractProjectMeta(dir, "fallback")
	if meta.Version != "3.1.4" {
		t.Errorf("got %+v", meta)
	}
}

func TestExtractProjectMetaFallback(t *testing.T) {
	dir := pkgDirWith(t, nil)
	meta := ExtractProjectMeta(dir, "my-repo")
	if meta.Name != "my-repo" || meta.Version != "" {
		t.Errorf("got %+v", meta)
	}
}
