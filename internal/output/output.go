// Package output implements the Output Projector: it writes
// bom.json and .build-config.json at the end of fetch-deps, and renders
// them for a consumer via generate-env and inject-files against a
// consume-time output directory.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/project"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	"github.com/pkg/errors"
)

// BOMFilename and BuildConfigFilename are the fixed artifact names under
// the output directory.
const (
	BOMFilename         = "bom.json"
	BuildConfigFilename = ".build-config.json"
)

// BuildConfig is the on-disk .build-config.json document.
type BuildConfig struct {
	EnvironmentVariables []project.EnvironmentVariable
	ProjectFiles         []project.ProjectFile
}

type buildConfigWire struct {
	EnvironmentVariables []envVarWire      `json:"environment_variables"`
	ProjectFiles         []projectFileWire `json:"project_files"`
}

type envVarWire struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Kind  string `json:"kind"`
}

type projectFileWire struct {
	AbsPath  string `json:"abspath"`
	Template string `json:"template"`
}

// WriteBOM writes the CycloneDX SBOM to <outputDir>/bom.json.
func WriteBOM(outputDir string, components []sbom.Component) error {
	f, err := os.Create(filepath.Join(outputDir, BOMFilename))
	if err != nil {
		return errors.Wrap(err, "creating bom.json")
	}
	defer f.Close()
	return errors.Wrap(sbom.Encode(f, components), "writing bom.json")
}

// WriteBuildConfig writes <outputDir>/.build-config.json with templates
// intact (they are rendered later, at consume time).
func WriteBuildConfig(outputDir string, cfg BuildConfig) error {
	wire := buildConfigWire{
		EnvironmentVariables: []envVarWire{},
		ProjectFiles:         []projectFileWire{},
	}
	for _, v := range cfg.EnvironmentVariables {
		wire.EnvironmentVariables = append(wire.EnvironmentVariables, envVarWire{Name: v.Name, Value: v.Value, Kind: string(v.Kind)})
	}
	for _, p := range cfg.ProjectFiles {
		wire.ProjectFiles = append(wire.ProjectFiles, projectFileWire{AbsPath: p.AbsPath, Template: p.Template})
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return errors.Wrap(os.WriteFile(filepath.Join(outputDir, BuildConfigFilename), data, 0o644), "writing .build-config.json")
}

// LoadBuildConfig reads .build-config.json from a prior fetch-deps run.
func LoadBuildConfig(fromOutputDir string) (*BuildConfig, error) {
	data, err := os.ReadFile(filepath.Join(fromOutputDir, BuildConfigFilename))
	if err != nil {
		return nil, cachierr.InvalidInput("no %s found in %s (was fetch-deps run there?)", BuildConfigFilename, fromOutputDir)
	}
	var wire buildConfigWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, cachierr.InvalidInput("parsing %s: %s", BuildConfigFilename, err).WithCause(err)
	}
	cfg := &BuildConfig{}
	for _, v := range wire.EnvironmentVariables {
		kind := project.VariableKind(v.Kind)
		if kind != project.KindLiteral && kind != project.KindPath {
			return nil, cachierr.InvalidInput("invalid environment variable kind %q in %s", v.Kind, BuildConfigFilename)
		}
		cfg.EnvironmentVariables = append(cfg.EnvironmentVariables, project.EnvironmentVariable{Name: v.Name, Value: v.Value, Kind: kind})
	}
	for _, p := range wire.ProjectFiles {
		cfg.ProjectFiles = append(cfg.ProjectFiles, project.ProjectFile{AbsPath: p.AbsPath, Template: p.Template})
	}
	return cfg, nil
}

// EnvFormat selects generate-env's output encoding.
type EnvFormat string

const (
	FormatJSON EnvFormat = "json"
	FormatEnv  EnvFormat = "env"
)

// GenerateEnv renders the environment variables against forOutputDir in
// the requested format.
func GenerateEnv(w io.Writer, cfg *BuildConfig, format EnvFormat, forOutputDir string) error {
	switch format {
	case FormatJSON:
		type entry struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		out := []entry{}
		for _, v := range cfg.EnvironmentVariables {
			out = append(out, entry{Name: v.Name, Value: v.ResolveValue(forOutputDir)})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	case FormatEnv:
		for _, v := range cfg.EnvironmentVariables {
			if _, err := fmt.Fprintln(w, "export "+project.RenderEnvLine(v, forOutputDir)); err != nil {
				return err
			}
		}
		return nil
	default:
		return cachierr.InvalidInput("unknown env format %q (expected json or env)", format)
	}
}

// InjectFiles renders every project file template against forOutputDir and
// writes it to its absolute path, creating parent directories and
// overwriting existing files.
func InjectFiles(cfg *BuildConfig, fromOutputDir, forOutputDir string) error {
	for _, pf := range cfg.ProjectFiles {
		if err := os.MkdirAll(filepath.Dir(pf.AbsPath), 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for %s", pf.AbsPath)
		}
		if err := os.WriteFile(pf.AbsPath, []byte(pf.RenderContent(forOutputDir)), 0o644); err != nil {
			return errors.Wrapf(err, "writing %s", pf.AbsPath)
		}
	}
	return createRepoMetadata(fromOutputDir)
}
