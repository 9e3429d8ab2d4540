package sbom

import "sort"

// PropertySet is the normalized in-memory form of a component's free-form
// properties list, used so the merge laws (commutative, idempotent,
// associative) can be expressed as plain set/boolean operations instead
// of list surgery.
type PropertySet struct {
	FoundBy        string
	MissingHashIn  map[string]bool
	NPMBundled     *bool // nil: no sighting made a claim either way
	NPMDevelopment *bool
	PipBinary      bool
	BundlerBinary  bool
}

// FromProperties converts a component's Properties into a PropertySet.
func FromProperties(props []Property) PropertySet {
	ps := PropertySet{MissingHashIn: map[string]bool{}}
	for _, p := range props {
		switch p.Name {
		case PropFoundBy:
			if ps.FoundBy == "" {
				ps.FoundBy = p.Value
			}
		case PropMissingHashInFile:
			ps.MissingHashIn[p.Value] = true
		case PropNPMBundled:
			b := p.Value == "true"
			ps.NPMBundled = andBool(ps.NPMBundled, b)
		case PropNPMDevelopment:
			b := p.Value == "true"
			ps.NPMDevelopment = andBool(ps.NPMDevelopment, b)
		case PropPipBinary:
			ps.PipBinary = ps.PipBinary || p.Value == "true"
		case PropBundlerBinary:
			ps.BundlerBinary = ps.BundlerBinary || p.Value == "true"
		}
	}
	return ps
}

func andBool(acc *bool, v bool) *bool {
	if acc == nil {
		out := v
		return &out
	}
	out := *acc && v
	return &out
}

// ToProperties serializes a PropertySet back into a sorted Properties list,
// so FromProperties(p.ToProperties()) round-trips.
func (ps PropertySet) ToProperties() []Property {
	var out []Property
	if ps.FoundBy != "" {
		out = append(out, Property{Name: PropFoundBy, Value: ps.FoundBy})
	}
	files := make([]string, 0, len(ps.MissingHashIn))
	for f := range ps.MissingHashIn {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		out = append(out, Property{Name: PropMissingHashInFile, Value: f})
	}
	if ps.NPMBundled != nil {
		out = append(out, Property{Name: PropNPMBundled, Value: boolStr(*ps.NPMBundled)})
	}
	if ps.NPMDevelopment != nil {
		out = append(out, Property{Name: PropNPMDevelopment, Value: boolStr(*ps.NPMDevelopment)})
	}
	if ps.PipBinary {
		out = append(out, Property{Name: PropPipBinary, Value: "true"})
	}
	if ps.BundlerBinary {
		out = append(out, Property{Name: PropBundlerBinary, Value: "true"})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// MergeProperties merges two PropertySets field by field:
//   - found_by: first non-empty wins
//   - missing_hash_in_file: set union
//   - npm_bundled/npm_development: logical AND across all sightings
//   - pip/bundler binary: logical OR across all sightings
//
// This operation is commutative, idempotent, and associative.
func MergeProperties(a, b PropertySet) PropertySet {
	out := PropertySet{
		FoundBy:       a.FoundBy,
		MissingHashIn: map[string]bool{},
		PipBinary:     a.PipBinary || b.PipBinary,
		BundlerBinary: a.BundlerBinary || b.BundlerBinary,
	}
	if out.FoundBy == "" {
		out.FoundBy = b.FoundBy
	}
	for f := range a.MissingHashIn {
		out.MissingHashIn[f] = true
	}
	for f := range b.MissingHashIn {
		out.MissingHashIn[f] = true
	}
	out.NPMBundled = mergeTriBool(a.NPMBundled, b.NPMBundled)
	out.NPMDevelopment = mergeTriBool(a.NPMDevelopment, b.NPMDevelopment)
	return out
}

// mergeTriBool merges two optional booleans with AND, treating an absent
// claim (nil) as the identity element rather than forcing false.
func mergeTriBool(a, b *bool) *bool {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := *a && *b
	return &out
}

// MergeComponent merges b's properties into a, keeping a's Name/Version/
// Type/Purl (identity is the purl, already assumed equal by the caller).
func MergeComponent(a, b Component) Component {
	merged := MergeProperties(FromProperties(a.Properties), FromProperties(b.Properties))
	a.Properties = merged.ToProperties()
	return a
}

// MergeAll de-duplicates components by purl, merging PropertySets for any
// duplicate, and returns the result sorted by purl.
func MergeAll(groups ...[]Component) []Component {
	byPurl := map[string]Component{}
	var order []string
	for _, group := range groups {
		for _, c := range group {
			if existing, ok := byPurl[c.Purl]; ok {
				byPurl[c.Purl] = MergeComponent(existing, c)
			} else {
				byPurl[c.Purl] = c
				order = append(order, c.Purl)
			}
		}
	}
	out := make([]Component, 0, len(byPurl))
	for _, p := range order {
		out = append(out, byPurl[p])
	}
	Sort(out)
	return out
}
