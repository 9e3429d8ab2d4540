package output

import (
	"os"

	"github.com/CycloneDX/cyclonedx-go"
	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
)

// MergeSBOMs loads two or more cachi2-produced CycloneDX documents and
// merges their component sets under the PropertySet rules.
// Non-cachi2 SBOMs are rejected: the merge semantics only hold for
// documents whose properties use the cachi2 vocabulary.
func MergeSBOMs(paths []string) ([]sbom.Component, error) {
	if len(paths) < 2 {
		return nil, cachierr.InvalidInput("merge-sboms requires at least 2 SBOM files")
	}
	seen := map[string]bool{}
	var all []sbom.Component
	for _, path := range paths {
		if seen[path] {
			return nil, cachierr.InvalidInput("duplicate SBOM file: %s", path)
		}
		seen[path] = true
		components, err := loadSBOM(path)
		if err != nil {
			return nil, err
		}
		all = append(all, components...)
	}
	return sbom.MergeAll(all), nil
}

func loadSBOM(path string) ([]sbom.Component, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cachierr.InvalidInput("opening SBOM %s: %s", path, err)
	}
	defer f.Close()
	var bom cyclonedx.BOM
	if err := cyclonedx.NewBOMDecoder(f, cyclonedx.BOMFileFormatJSON).Decode(&bom); err != nil {
		return nil, cachierr.InvalidInput("parsing SBOM %s: %s", path, err).WithCause(err)
	}
	if !isCachi2BOM(&bom) {
		return nil, cachierr.InvalidInput("%s is not a cachi2 SBOM (missing the cachi2 tool entry)", path)
	}
	var out []sbom.Component
	if bom.Components == nil {
		return out, nil
	}
	for _, c := range *bom.Components {
		comp := sbom.Component{
			Name:    c.Name,
			Version: c.Version,
			Purl:    c.PackageURL,
			Type:    sbom.ComponentType(c.Type),
		}
		if c.Properties != nil {
			for _, p := range *c.Properties {
				comp.Properties = append(comp.Properties, sbom.Property{Name: p.Name, Value: p.Value})
			}
		}
		if c.ExternalReferences != nil {
			for _, r := range *c.ExternalReferences {
				comp.ExternalReferences = append(comp.ExternalReferences, sbom.ExternalReference{Type: string(r.Type), URL: r.URL})
			}
		}
		out = append(out, comp)
	}
	return out, nil
}

func isCachi2BOM(bom *cyclonedx.BOM) bool {
	if bom.Metadata == nil || bom.Metadata.Tools == nil || bom.Metadata.Tools.Tools == nil {
		return false
	}
	for _, tool := range *bom.Metadata.Tools.Tools {
		if tool.Name == "cachi2" {
			return true
		}
	}
	return false
}
