package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
)

func sampleConfig() BuildConfig {
	return BuildConfig{
		EnvironmentVariables: []project.EnvironmentVariable{
			{Name: "PIP_FIND_LINKS", Value: "${output_dir}/deps/pip", Kind: project.KindPath},
			{Name: "PIP_NO_INDEX", Value: "true", Kind: project.KindLiteral},
		},
		ProjectFiles: []project.ProjectFile{
			{AbsPath: "/src/requirements.txt", Template: "bar @ file://${output_dir}/deps/pip/bar.tar.gz\n"},
		},
	}
}

func TestBuildConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := sampleConfig()
	if err := WriteBuildConfig(dir, cfg); err != nil {
		t.Fatalf("WriteBuildConfig: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, BuildConfigFilename))
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("build config is not valid JSON: %v", err)
	}
	if _, ok := doc["environment_variables"]; !ok {
		t.Error("missing environment_variables key")
	}

	loaded, err := LoadBuildConfig(dir)
	if err != nil {
		t.Fatalf("LoadBuildConfig: %v", err)
	}
	if len(loaded.EnvironmentVariables) != 2 || len(loaded.ProjectFiles) != 1 {
		t.Errorf("round trip lost entries: %+v", loaded)
	}
	if loaded.EnvironmentVariables[0].Kind != project.KindPath {
		t.Errorf("kind not preserved: %+v", loaded.EnvironmentVariables[0])
	}
}

func TestGenerateEnvJSON(t *testing.T) {
	cfg := sampleConfig()
	var buf bytes.Buffer
	if err := GenerateEnv(&buf, &cfg, FormatJSON, "/consume"); err != nil {
		t.Fatalf("GenerateEnv: %v", err)
	}
	var entries []map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entries[0]["value"] != "/consume/deps/pip" {
		t.Errorf("path variable not resolved: %v", entries[0])
	}
	if entries[1]["value"] != "true" {
		t.Errorf("literal variable altered: %v", entries[1])
	}
}

func TestGenerateEnvShellFormat(t *testing.T) {
	cfg := BuildConfig{
		EnvironmentVariables: []project.EnvironmentVariable{
			{Name: "X", Value: "it's a value", Kind: project.KindLiteral},
		},
	}
	var buf bytes.Buffer
	if err := GenerateEnv(&buf, &cfg, FormatEnv, "/consume"); err != nil {
		t.Fatalf("GenerateEnv: %v", err)
	}
	want := `export X='it'"'"'s a value'`
	if strings.TrimSpace(buf.String()) != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestInjectFiles(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "requirements.txt")
	cfg := BuildConfig{
		ProjectFiles: []project.ProjectFile{
			{AbsPath: target, Template: "bar @ file://${output_dir}/deps/pip/bar.tar.gz and a $literal\n"},
		},
	}
	if err := InjectFiles(&cfg, t.TempDir(), "/consume"); err != nil {
		t.Fatalf("InjectFiles: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "file:///consume/deps/pip/bar.tar.gz") {
		t.Errorf("placeholder not rendered: %s", got)
	}
	if !strings.Contains(got, "$literal") {
		t.Errorf("unrelated $ sequences must pass through: %s", got)
	}
}

func TestMergeSBOMs(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, components []sbom.Component) string {
		t.Helper()
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if err := sbom.Encode(f, components); err != nil {
			t.Fatal(err)
		}
		return path
	}
	a := write("a.json", []sbom.Component{
		sbom.New("bar", "2.0.0", "pkg:npm/bar@2.0.0").WithProperty(sbom.PropNPMDevelopment, "true"),
	})
	b := write("b.json", []sbom.Component{
		sbom.New("bar", "2.0.0", "pkg:npm/bar@2.0.0"),
		sbom.New("baz", "1.0.0", "pkg:npm/baz@1.0.0"),
	})

	merged, err := MergeSBOMs([]string{a, b})
	if err != nil {
		t.Fatalf("MergeSBOMs: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged components, got %d", len(merged))
	}
	// The dev flag ANDs across sightings: b's bar carries no dev claim, so
	// the claim survives as-is from a.
	for _, c := range merged {
		if c.Purl == "pkg:npm/bar@2.0.0" {
			foundDev := false
			for _, p := range c.Properties {
				if p.Name == sbom.PropNPMDevelopment && p.Value == "true" {
					foundDev = true
				}
			}
			if !foundDev {
				t.Errorf("dev property lost in merge: %v", c.Properties)
			}
		}
	}

	if _, err := MergeSBOMs([]string{a}); err == nil {
		t.Error("expected rejection of a single-SBOM merge")
	}
}

func TestMergeSBOMsIdempotent(t *testing.T) {
	dir := t.TempDir()
	components := []sbom.Component{
		sbom.New("bar", "2.0.0", "pkg:npm/bar@2.0.0").WithMissingHash("package-lock.json"),
	}
	write := func(name string) string {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if err := sbom.Encode(f, components); err != nil {
			t.Fatal(err)
		}
		return path
	}
	a, b := write("a.json"), write("b.json")
	merged, err := MergeSBOMs([]string{a, b})
	if err != nil {
		t.Fatalf("MergeSBOMs: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("self-merge must not duplicate components: %v", merged)
	}
	props := merged[0].Properties
	countMissing := 0
	for _, p := range props {
		if p.Name == sbom.PropMissingHashInFile {
			countMissing++
		}
	}
	if countMissing != 1 {
		t.Errorf("missing_hash must union, not duplicate: %v", props)
	}
}
