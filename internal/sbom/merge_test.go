package sbom

import "testing"

func mkSet(foundBy string, missing []string, npmBundled, npmDev *bool, pipBin, bundlerBin bool) PropertySet {
	m := map[string]bool{}
	for _, f := range missing {
		m[f] = true
	}
	return PropertySet{FoundBy: foundBy, MissingHashIn: m, NPMBundled: npmBundled, NPMDevelopment: npmDev, PipBinary: pipBin, BundlerBinary: bundlerBin}
}

func boolPtr(b bool) *bool { return &b }

func equalSets(t *testing.T, a, b PropertySet) bool {
	t.Helper()
	ap, bp := a.ToProperties(), b.ToProperties()
	if len(ap) != len(bp) {
		return false
	}
	for i := range ap {
		if ap[i] != bp[i] {
			return false
		}
	}
	return true
}

func TestMergePropertiesCommutative(t *testing.T) {
	a := mkSet("cachi2", []string{"req.txt"}, boolPtr(true), nil, true, false)
	b := mkSet("", []string{"other.txt"}, boolPtr(false), boolPtr(true), false, true)
	ab := MergeProperties(a, b)
	ba := MergeProperties(b, a)
	if !equalSets(t, ab, ba) {
		t.Fatalf("merge not commutative: %+v vs %+v", ab.ToProperties(), ba.ToProperties())
	}
}

func TestMergePropertiesIdempotent(t *testing.T) {
	a := mkSet("cachi2", []string{"req.txt"}, boolPtr(true), boolPtr(false), true, false)
	aa := MergeProperties(a, a)
	if !equalSets(t, a, aa) {
		t.Fatalf("merge not idempotent: %+v vs %+v", a.ToProperties(), aa.ToProperties())
	}
}

func TestMergePropertiesAssociative(t *testing.T) {
	a := mkSet("cachi2", []string{"a.txt"}, boolPtr(true), nil, true, false)
	b := mkSet("", []string{"b.txt"}, boolPtr(false), boolPtr(true), false, false)
	c := mkSet("", []string{"c.txt"}, nil, boolPtr(false), false, true)

	left := MergeProperties(MergeProperties(a, b), c)
	right := MergeProperties(a, MergeProperties(b, c))
	if !equalSets(t, left, right) {
		t.Fatalf("merge not associative: %+v vs %+v", left.ToProperties(), right.ToProperties())
	}
}

func TestToPropertiesSorted(t *testing.T) {
	ps := mkSet("cachi2", []string{"z.txt", "a.txt"}, boolPtr(true), nil, true, true)
	props := ps.ToProperties()
	for i := 1; i < len(props); i++ {
		if props[i-1].Name > props[i].Name {
			t.Fatalf("properties not sorted: %+v", props)
		}
	}
}

func TestRoundTripFromToProperties(t *testing.T) {
	ps := mkSet("cachi2", []string{"a.txt", "b.txt"}, boolPtr(true), boolPtr(false), true, false)
	rt := FromProperties(ps.ToProperties())
	if !equalSets(t, ps, rt) {
		t.Fatalf("round trip mismatch: %+v vs %+v", ps.ToProperties(), rt.ToProperties())
	}
}

func TestMergeAllDedupesByPurl(t *testing.T) {
	a := New("foo", "1.0", "pkg:pypi/foo@1.0").WithMissingHash("requirements.txt")
	b := New("foo", "1.0", "pkg:pypi/foo@1.0")
	merged := MergeAll([]Component{a}, []Component{b})
	if len(merged) != 1 {
		t.Fatalf("expected 1 component, got %d", len(merged))
	}
	found := false
	for _, p := range merged[0].Properties {
		if p.Name == PropMissingHashInFile && p.Value == "requirements.txt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing_hash property to survive merge, got %+v", merged[0].Properties)
	}
}

func TestMergeAllIdempotentOnSBOM(t *testing.T) {
	a := New("foo", "1.0", "pkg:pypi/foo@1.0")
	b := New("bar", "2.0", "pkg:pypi/bar@2.0")
	once := MergeAll([]Component{a, b})
	twice := MergeAll(once, once)
	if len(once) != len(twice) {
		t.Fatalf("merging SBOM with itself changed component count: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Purl != twice[i].Purl {
			t.Fatalf("component order/purl mismatch at %d: %s vs %s", i, once[i].Purl, twice[i].Purl)
		}
	}
}
