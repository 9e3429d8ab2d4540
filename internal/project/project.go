// Package project models the build-config document: environment
// variables and templated project files resolvers emit, rendered against a
// consume-time output directory chosen independently of the prefetch-time
// output_dir.
package project

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// VariableKind discriminates whether a value is a literal or must be
// resolved against the consumer's output directory.
type VariableKind string

const (
	KindLiteral VariableKind = "literal"
	KindPath    VariableKind = "path"
)

// EnvironmentVariable is a single build-config env var entry.
type EnvironmentVariable struct {
	Name  string
	Value string
	Kind  VariableKind
}

// Placeholder is the single template token ProjectFile.Template may contain.
const Placeholder = "${output_dir}"

// ProjectFile is a build-time patch to a file under the source tree,
// identified by its absolute path, carrying a template rendered at
// "inject-files" time.
type ProjectFile struct {
	AbsPath  string
	Template string
}

// RenderContent performs "safe substitution": only the literal
// "${output_dir}" placeholder is replaced; any other "$..." sequence (or a
// malformed/unknown placeholder) passes through unchanged.
func (pf ProjectFile) RenderContent(outputDir string) string {
	return strings.ReplaceAll(pf.Template, Placeholder, outputDir)
}

// ResolveValue renders an EnvironmentVariable's value against outputDir:
// literal values pass through; path values are joined with outputDir via
// the "for-output-dir" convention.
func (v EnvironmentVariable) ResolveValue(outputDir string) string {
	if v.Kind != KindPath {
		return v.Value
	}
	return strings.ReplaceAll(v.Value, Placeholder, outputDir)
}

// Output is the env-var/project-file portion of a resolver's output;
// components live in package sbom.
type Output struct {
	EnvironmentVariables []EnvironmentVariable
	ProjectFiles         []ProjectFile
}

// MergeEnvironmentVariables de-duplicates by name; identical duplicates
// (same value+kind) collapse, conflicting duplicates are a caller error.
func MergeEnvironmentVariables(groups ...[]EnvironmentVariable) ([]EnvironmentVariable, error) {
	byName := map[string]EnvironmentVariable{}
	var order []string
	for _, group := range groups {
		for _, v := range group {
			if existing, ok := byName[v.Name]; ok {
				if existing.Value != v.Value || existing.Kind != v.Kind {
					return nil, errors.Errorf("conflicting environment variable %q: %q (%s) vs %q (%s)",
						v.Name, existing.Value, existing.Kind, v.Value, v.Kind)
				}
				continue
			}
			byName[v.Name] = v
			order = append(order, v.Name)
		}
	}
	out := make([]EnvironmentVariable, 0, len(byName))
	for _, n := range order {
		out = append(out, byName[n])
	}
	return out, nil
}

// MergeProjectFiles de-duplicates by AbsPath; identical duplicates collapse,
// conflicting contents for the same path are a caller error.
func MergeProjectFiles(groups ...[]ProjectFile) ([]ProjectFile, error) {
	byPath := map[string]ProjectFile{}
	var order []string
	for _, group := range groups {
		for _, f := range group {
			if existing, ok := byPath[f.AbsPath]; ok {
				if existing.Template != f.Template {
					return nil, errors.Errorf("conflicting project file content for %q", f.AbsPath)
				}
				continue
			}
			byPath[f.AbsPath] = f
			order = append(order, f.AbsPath)
		}
	}
	sort.Strings(order)
	out := make([]ProjectFile, 0, len(byPath))
	for _, p := range order {
		out = append(out, byPath[p])
	}
	return out, nil
}

// ShellQuote renders a value safely for "env" format output
// (generate-env --format env), single-quoting and escaping embedded
// single quotes POSIX-shell style.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

// RenderEnvLine renders one KEY=VALUE line for the "env" output format.
func RenderEnvLine(v EnvironmentVariable, outputDir string) string {
	return fmt.Sprintf("%s=%s", v.Name, ShellQuote(v.ResolveValue(outputDir)))
}
