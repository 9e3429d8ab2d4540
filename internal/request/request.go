// Package request implements the Request/PackageInput data model and its
// validation as an explicit decode-then-validate layer: a closed decode
// step rejects unknown fields, then a validation pass enforces the
// Request invariants.
package request

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
)

// PackageType is the closed set of supported ecosystem tags.
type PackageType string

const (
	TypeBundler     PackageType = "bundler"
	TypeCargo       PackageType = "cargo"
	TypeGeneric     PackageType = "generic"
	TypeGomod       PackageType = "gomod"
	TypeNPM         PackageType = "npm"
	TypePip         PackageType = "pip"
	TypeRPM         PackageType = "rpm"
	TypeYarn        PackageType = "yarn"
	TypeYarnClassic PackageType = "yarn-classic"
)

// Flag is one of the request-level behavior toggles.
type Flag string

const (
	FlagCgoDisable         Flag = "cgo-disable"
	FlagForceGomodTidy     Flag = "force-gomod-tidy"
	FlagGomodVendor        Flag = "gomod-vendor"
	FlagGomodVendorCheck   Flag = "gomod-vendor-check"
	FlagDevPackageManagers Flag = "dev-package-managers"
)

// ValidFlag reports whether f is a recognized request flag.
func ValidFlag(f Flag) bool {
	switch f {
	case FlagCgoDisable, FlagForceGomodTidy, FlagGomodVendor, FlagGomodVendorCheck, FlagDevPackageManagers:
		return true
	default:
		return false
	}
}

// RPMOptions carries structured DNF/SSL options for an rpm PackageInput.
type RPMOptions struct {
	OptionsFile    string `json:"options_file,omitempty"`
	SSLVerify      *bool  `json:"ssl_verify,omitempty"`
	IncludeDefault bool   `json:"include_default_packages,omitempty"`
}

// PackageInput is a tagged variant over source-ecosystem kinds, decoded
// from a JSON object with at least a "type" field.
type PackageInput struct {
	Type PackageType
	Path string

	// pip-only
	RequirementsFiles      []string
	RequirementsBuildFiles []string
	AllowBinary            bool

	// rpm-only
	RPM RPMOptions
}

// packageInputWire is the over-the-wire shape decoded strictly (unknown
// fields rejected) before being folded into the concrete PackageInput.
type packageInputWire struct {
	Type                   PackageType `json:"type"`
	Path                   string      `json:"path"`
	RequirementsFiles      []string    `json:"requirements_files"`
	RequirementsBuildFiles []string    `json:"requirements_build_files"`
	AllowBinary            bool        `json:"allow_binary"`
	SSLVerify              *bool       `json:"ssl_verify"`
	OptionsFile            string      `json:"options_file"`
	IncludeDefaultPackages bool        `json:"include_default_packages"`
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ParsePackageInput decodes a single JSON package-input object.
func ParsePackageInput(data []byte) (PackageInput, error) {
	var w packageInputWire
	if err := decodeStrict(data, &w); err != nil {
		return PackageInput{}, cachierr.InvalidInput("decoding package input: %s", err).WithCause(err)
	}
	if w.Type == "" {
		return PackageInput{}, cachierr.InvalidInput("package input missing required field \"type\"")
	}
	if !validType(w.Type) {
		return PackageInput{}, cachierr.InvalidInput("unknown package type %q", w.Type)
	}
	pkg := PackageInput{
		Type:                   w.Type,
		Path:                   w.Path,
		RequirementsFiles:      w.RequirementsFiles,
		RequirementsBuildFiles: w.RequirementsBuildFiles,
		AllowBinary:            w.AllowBinary,
	}
	if pkg.Path == "" {
		pkg.Path = "."
	}
	if w.Type == TypeRPM {
		pkg.RPM = RPMOptions{OptionsFile: w.OptionsFile, SSLVerify: w.SSLVerify, IncludeDefault: w.IncludeDefaultPackages}
	}
	return pkg, nil
}

func validType(t PackageType) bool {
	switch t {
	case TypeBundler, TypeCargo, TypeGeneric, TypeGomod, TypeNPM, TypePip, TypeRPM, TypeYarn, TypeYarnClassic:
		return true
	default:
		return false
	}
}

// devTypes is the development-only subset gated by FlagDevPackageManagers.
var devTypes = map[PackageType]bool{
	TypeYarnClassic: true,
}

// Request is the immutable, validated per-invocation input.
type Request struct {
	SourceDir string
	OutputDir string
	Packages  []PackageInput
	Flags     map[Flag]bool
}

// HasFlag reports whether a flag is set on the request.
func (r Request) HasFlag(f Flag) bool { return r.Flags[f] }

// New validates raw (sourceDir, outputDir, packages, flags) into a Request:
// absolute, resolved directories,
// de-duplication by (type, path) with conflicting-duplicate rejection,
// relative package paths with no ".." that exist as directories under
// source_dir without escaping via symlinks.
func New(sourceDir, outputDir string, packages []PackageInput, flags []Flag) (*Request, error) {
	if len(packages) == 0 {
		return nil, cachierr.InvalidInput("packages cannot be empty")
	}
	absSource, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, cachierr.InvalidInput("resolving source_dir: %s", err)
	}
	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, cachierr.InvalidInput("resolving output_dir: %s", err)
	}
	root, err := rootedpath.NewRoot(absSource)
	if err != nil {
		return nil, cachierr.InvalidInput("resolving source_dir: %s", err)
	}

	flagSet := map[Flag]bool{}
	for _, f := range flags {
		flagSet[f] = true
	}

	dedup := map[string]PackageInput{}
	var order []string
	for _, p := range packages {
		if filepath.IsAbs(p.Path) {
			return nil, cachierr.InvalidInput("package path must be relative: %s", p.Path)
		}
		if hasDotDot(p.Path) {
			return nil, cachierr.InvalidInput("package path contains '..': %s", p.Path)
		}
		if devTypes[p.Type] && !flagSet[FlagDevPackageManagers] {
			return nil, cachierr.InvalidInput("package type %q requires the dev-package-managers flag", p.Type)
		}
		key := string(p.Type) + "\x00" + p.Path
		if existing, ok := dedup[key]; ok {
			if !samePackage(existing, p) {
				return nil, cachierr.InvalidInput("conflicting duplicate package for (%s, %s)", p.Type, p.Path)
			}
			continue
		}
		dedup[key] = p
		order = append(order, key)

		rp, err := root.Join(p.Path)
		if err != nil {
			return nil, cachierr.PackageRejected("package path %q escapes source_dir: %s", p.Path, err).WithCause(err)
		}
		info, err := os.Stat(rp.Abs())
		if err != nil || !info.IsDir() {
			return nil, cachierr.PackageRejected("package path does not exist (or is not a directory): %s", p.Path)
		}
	}
	sort.Strings(order)
	out := make([]PackageInput, 0, len(order))
	for _, k := range order {
		out = append(out, dedup[k])
	}

	return &Request{SourceDir: absSource, OutputDir: absOutput, Packages: out, Flags: flagSet}, nil
}

func samePackage(a, b PackageInput) bool {
	return a.Type == b.Type && a.Path == b.Path &&
		strings.Join(a.RequirementsFiles, ",") == strings.Join(b.RequirementsFiles, ",") &&
		strings.Join(a.RequirementsBuildFiles, ",") == strings.Join(b.RequirementsBuildFiles, ",") &&
		a.AllowBinary == b.AllowBinary
}

func hasDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
