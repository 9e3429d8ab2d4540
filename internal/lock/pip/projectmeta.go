package pip

import (
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	toml "github.com/pelletier/go-toml/v2"
)

// ProjectMeta is the main pip package's identity, extracted from project
// metadata files in precedence order: pyproject.toml, setup.py, setup.cfg,
// and finally the repository origin name.
type ProjectMeta struct {
	Name    string
	Version string
}

// ExtractProjectMeta reads the package directory's metadata files. A name
// is always returned (falling back to fallbackName); the version may be
// empty.
func ExtractProjectMeta(pkgDir rootedpath.RootedPath, fallbackName string) ProjectMeta {
	if meta, ok := fromPyprojectTOML(pkgDir); ok {
		return meta
	}
	if meta, ok := fromSetupPy(pkgDir); ok {
		return meta
	}
	if meta, ok := fromSetupCfg(pkgDir); ok {
		return meta
	}
	return ProjectMeta{Name: fallbackName}
}

type pyprojectTOML struct {
	Project struct {
		Name    string `toml:"name"`
		Version string `toml:"version"`
	} `toml:"project"`
}

func fromPyprojectTOML(pkgDir rootedpath.RootedPath) (ProjectMeta, bool) {
	data, ok := readRooted(pkgDir, "pyproject.toml")
	if !ok {
		return ProjectMeta{}, false
	}
	var decoded pyprojectTOML
	if err := toml.Unmarshal(data, &decoded); err != nil || decoded.Project.Name == "" {
		return ProjectMeta{}, false
	}
	return ProjectMeta{Name: decoded.Project.Name, Version: decoded.Project.Version}, true
}

var (
	setupCallRE   = regexp.MustCompile(`(?s)setup\s*\((.*)`)
	topAssignRE   = regexp.MustCompile(`(?m)^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*["']([^"'\n]*)["']`)
	nameKwargRE   = regexp.MustCompile(`\bname\s*=\s*(?:["']([^"'\n]*)["']|([A-Za-z_][A-Za-z0-9_]*))`)
	verKwargRE    = regexp.MustCompile(`\bversion\s*=\s*(?:["']([^"'\n]*)["']|([A-Za-z_][A-Za-z0-9_]*))`)
	versionAttrRE = regexp.MustCompile(`(?m)^__version__\s*=\s*["']([^"'\n]*)["']`)
)

// fromSetupPy resolves name/version kwargs of the first setup(...) call,
// handling string literals directly and identifiers via top-level
// "VAR = 'literal'" assignments anywhere in the file. The file is never
// executed.
func fromSetupPy(pkgDir rootedpath.RootedPath) (ProjectMeta, bool) {
	data, ok := readRooted(pkgDir, "setup.py")
	if !ok {
		return ProjectMeta{}, false
	}
	content := string(data)
	call := setupCallRE.FindStringSubmatch(content)
	if call == nil {
		return ProjectMeta{}, false
	}
	vars := map[string]string{}
	for _, m := range topAssignRE.FindAllStringSubmatch(content, -1) {
		vars[m[1]] = m[2]
	}
	resolve := func(m []string) string {
		if m == nil {
			return ""
		}
		if m[1] != "" {
			return m[1]
		}
		return vars[m[2]]
	}
	name := resolve(nameKwargRE.FindStringSubmatch(call[1]))
	if name == "" {
		return ProjectMeta{}, false
	}
	version := resolve(verKwargRE.FindStringSubmatch(call[1]))
	return ProjectMeta{Name: name, Version: version}, true
}

// fromSetupCfg reads the [metadata] section, resolving "attr:" version
// directives by scanning the named module for a literal __version__
// assignment (with [options] package_dir remapping) and "file:" directives
// by reading the named file.
func fromSetupCfg(pkgDir rootedpath.RootedPath) (ProjectMeta, bool) {
	data, ok := readRooted(pkgDir, "setup.cfg")
	if !ok {
		return ProjectMeta{}, false
	}
	sections := parseINI(string(data))
	meta := sections["metadata"]
	name := meta["name"]
	if name == "" {
		return ProjectMeta{}, false
	}
	version := meta["version"]
	switch {
	case strings.HasPrefix(version, "file:"):
		rel := strings.TrimSpace(strings.TrimPrefix(version, "file:"))
		if content, ok := readRooted(pkgDir, rel); ok {
			version = strings.TrimSpace(string(content))
		} else {
			version = ""
		}
	case strings.HasPrefix(version, "attr:"):
		attr := strings.TrimSpace(strings.TrimPrefix(version, "attr:"))
		version = resolveVersionAttr(pkgDir, attr, sections["options"]["package_dir"])
	}
	return ProjectMeta{Name: name, Version: version}, true
}

// resolveVersionAttr handles "attr: pkg.module.__version__" by locating
// pkg/module.py (or pkg/__init__.py when the attribute lives on the
// package itself) under the configured package_dir and scanning it for a
// literal __version__ assignment.
func resolveVersionAttr(pkgDir rootedpath.RootedPath, attr, packageDir string) string {
	parts := strings.Split(attr, ".")
	if len(parts) < 2 || parts[len(parts)-1] != "__version__" {
		return ""
	}
	modParts := parts[:len(parts)-1]
	base := strings.TrimSpace(packageDirRoot(packageDir))
	candidates := []string{
		path.Join(base, path.Join(modParts...)+".py"),
		path.Join(base, path.Join(modParts...), "__init__.py"),
	}
	for _, rel := range candidates {
		if data, ok := readRooted(pkgDir, rel); ok {
			if m := versionAttrRE.FindStringSubmatch(string(data)); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

// packageDirRoot extracts the root remapping from a package_dir value like
// "= src" or "\n= src" (only the top-level "" key is honored).
func packageDirRoot(packageDir string) string {
	for _, line := range strings.Split(packageDir, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "="); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// parseINI is a minimal setup.cfg reader: sections, key = value lines, and
// indented continuation lines appended to the previous key.
func parseINI(content string) map[string]map[string]string {
	out := map[string]map[string]string{}
	section := ""
	lastKey := ""
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";"):
			continue
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.Trim(trimmed, "[]")
			lastKey = ""
		case (strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\t")) && lastKey != "":
			out[section][lastKey] += "\n" + trimmed
		default:
			key, value, ok := strings.Cut(trimmed, "=")
			if !ok {
				continue
			}
			if out[section] == nil {
				out[section] = map[string]string{}
			}
			lastKey = strings.TrimSpace(key)
			out[section][lastKey] = strings.TrimSpace(value)
		}
	}
	return out
}

func readRooted(pkgDir rootedpath.RootedPath, rel string) ([]byte, bool) {
	rp, err := pkgDir.Join(rel)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(rp.Abs())
	if err != nil {
		return nil, false
	}
	return data, true
}
