// Package sbom implements the SBOM component model and PropertySet merge
// semantics: typed CycloneDX-1.4-compatible components, identity by purl,
// and deterministic, idempotent property merging.
package sbom

import (
	"io"
	"sort"

	cyclonedx "github.com/CycloneDX/cyclonedx-go"
)

// ComponentType mirrors CycloneDX's component type enum, restricted to the
// two values cachi2 ever emits.
type ComponentType string

const (
	TypeLibrary ComponentType = "library"
	TypeFile    ComponentType = "file"
)

// Property names drawn from the closed cachi2 vocabulary.
const (
	PropFoundBy           = "cachi2:found_by"
	PropMissingHashInFile = "cachi2:missing_hash:in_file"
	PropNPMBundled        = "cdx:npm:package:bundled"
	PropNPMDevelopment    = "cdx:npm:package:development"
	PropPipBinary         = "cachi2:pip:package:binary"
	PropBundlerBinary     = "cachi2:bundler:package:binary"

	FoundByValue = "cachi2"
)

// Property is a single name/value pair as serialized on a Component.
type Property struct {
	Name  string
	Value string
}

// Component is a CycloneDX-1.4-compatible SBOM entry. Identity for merge
// purposes is Purl exactly.
type Component struct {
	Name               string
	Version            string
	Purl               string
	Type               ComponentType
	Properties         []Property
	ExternalReferences []ExternalReference
}

// ExternalReference is an optional CycloneDX external reference (e.g. a
// VCS link for the main project component).
type ExternalReference struct {
	Type string
	URL  string
}

// New constructs a library Component with the mandatory found_by property
// already attached.
func New(name, version, purl string) Component {
	return Component{
		Name:       name,
		Version:    version,
		Purl:       purl,
		Type:       TypeLibrary,
		Properties: []Property{{Name: PropFoundBy, Value: FoundByValue}},
	}
}

// WithMissingHash records that lockfileRelPath did not provide a checksum
// for this dependency.
func (c Component) WithMissingHash(lockfileRelPath string) Component {
	c.Properties = append(c.Properties, Property{Name: PropMissingHashInFile, Value: lockfileRelPath})
	return c
}

// WithProperty appends an arbitrary property (for npm bundled/dev and pip/
// bundler binary flags).
func (c Component) WithProperty(name, value string) Component {
	c.Properties = append(c.Properties, Property{Name: name, Value: value})
	return c
}

// SortedProperties returns Properties cloned and sorted lexicographically
// by (name, value), the canonical serialization order.
func (c Component) SortedProperties() []Property {
	out := append([]Property(nil), c.Properties...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Sort orders components by purl, the canonical emission order.
func Sort(components []Component) {
	sort.Slice(components, func(i, j int) bool { return components[i].Purl < components[j].Purl })
}

// ToCycloneDX renders components into a CycloneDX 1.4 BOM document.
func ToCycloneDX(components []Component) *cyclonedx.BOM {
	Sort(components)
	out := make([]cyclonedx.Component, len(components))
	for i, c := range components {
		out[i] = toCDXComponent(c)
	}
	bom := cyclonedx.NewBOM()
	bom.SpecVersion = cyclonedx.SpecVersion1_4
	bom.Version = 1
	bom.Metadata = &cyclonedx.Metadata{
		Tools: &cyclonedx.ToolsChoice{
			Tools: &[]cyclonedx.Tool{{Vendor: "red hat", Name: "cachi2"}},
		},
	}
	comps := out
	bom.Components = &comps
	return bom
}

func toCDXComponent(c Component) cyclonedx.Component {
	props := c.SortedProperties()
	cdxProps := make([]cyclonedx.Property, len(props))
	for i, p := range props {
		cdxProps[i] = cyclonedx.Property{Name: p.Name, Value: p.Value}
	}
	cdxType := cyclonedx.ComponentTypeLibrary
	if c.Type == TypeFile {
		cdxType = cyclonedx.ComponentTypeFile
	}
	comp := cyclonedx.Component{
		Type:       cdxType,
		Name:       c.Name,
		Version:    c.Version,
		PackageURL: c.Purl,
		Properties: &cdxProps,
	}
	if len(c.ExternalReferences) > 0 {
		refs := make([]cyclonedx.ExternalReference, len(c.ExternalReferences))
		for i, r := range c.ExternalReferences {
			refs[i] = cyclonedx.ExternalReference{Type: cyclonedx.ExternalReferenceType(r.Type), URL: r.URL}
		}
		comp.ExternalReferences = &refs
	}
	return comp
}

// Encode writes the CycloneDX JSON form of components to w.
func Encode(w io.Writer, components []Component) error {
	bom := ToCycloneDX(components)
	enc := cyclonedx.NewBOMEncoder(w, cyclonedx.BOMFileFormatJSON)
	enc.SetPretty(true)
	return enc.Encode(bom)
}
