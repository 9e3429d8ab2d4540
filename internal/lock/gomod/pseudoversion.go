package gomod

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// PseudoVersion constructs a Go pseudo-version from a base tag (the
// highest reachable semver tag with matching major version, or "" if
// none), the module path's major version, the commit timestamp, and the
// 12-hex commit-hash prefix, exactly following Go's documented algorithm:
//
//	vX.Y.(Z+1)-0.<ts>-<hex>   when base is a release
//	vX.Y.Z-pre.0.<ts>-<hex>   when base is a prerelease
//	vX.0.0-<ts>-<hex>         when no suitable base exists
func PseudoVersion(base, modulePath string, commitTime time.Time, shortHash string) string {
	ts := commitTime.UTC().Format("20060102150405")
	noBase := func() string {
		major := modulePathMajor(modulePath)
		if major == "v1" {
			major = "v0"
		}
		return fmt.Sprintf("%s.0.0-%s-%s", major, ts, shortHash)
	}
	if base == "" {
		return noBase()
	}
	if semver.Prerelease(base) != "" {
		return fmt.Sprintf("%s.0.%s-%s", base, ts, shortHash)
	}
	major, minor, patch, ok := splitSemver(base)
	if !ok {
		return noBase()
	}
	return fmt.Sprintf("v%d.%d.%d-0.%s-%s", major, minor, patch+1, ts, shortHash)
}

func splitSemver(v string) (major, minor, patch int, ok bool) {
	core := strings.TrimPrefix(semver.Canonical(v), "v")
	core = strings.SplitN(core, "-", 2)[0]
	core = strings.SplitN(core, "+", 2)[0]
	n, err := fmt.Sscanf(core, "%d.%d.%d", &major, &minor, &patch)
	return major, minor, patch, err == nil && n == 3
}

// HighestMatchingTag selects, from a list of semver tags pointing at or
// reachable from the current commit, the one with the highest precedence
// whose major-version suffix matches modulePath (e.g. tags for
// "foo/v2" must look like "v2.x.y", tags for "foo" must have no "/vN"
// suffix beyond v0/v1). Submodule tags (module path has a "subpath/"
// prefix relative to the repo root) are filtered by that prefix first by
// the caller; this function only handles major-version filtering.
func HighestMatchingTag(tags []string, modulePath string) string {
	wantMajor := modulePathMajor(modulePath)
	best := ""
	for _, t := range tags {
		if !semver.IsValid(t) {
			continue
		}
		major := semver.Major(t)
		if major != wantMajor && !(wantMajor == "v1" && major == "v0") {
			continue
		}
		if best == "" || semver.Compare(t, best) > 0 {
			best = t
		}
	}
	return best
}

// modulePathMajor returns the expected semver major ("v0"/"v1" for an
// unsuffixed path, "v3" for a path ending in "/v3", etc).
func modulePathMajor(modulePath string) string {
	idx := strings.LastIndex(modulePath, "/v")
	if idx == -1 {
		return "v1"
	}
	suffix := modulePath[idx+1:]
	if len(suffix) < 2 || suffix == "v0" || suffix == "v1" {
		return "v1"
	}
	for _, c := range suffix[1:] {
		if c < '0' || c > '9' {
			return "v1"
		}
	}
	return suffix
}

// ReleaseAtCommit returns the highest semver tag in tagsAtCommit (tags
// pointing directly at the current commit) whose major version matches
// modulePath, or "" if none qualifies. When no tag points at the commit,
// version resolution falls back to PseudoVersion.
func ReleaseAtCommit(tagsAtCommit []string, modulePath string) string {
	return HighestMatchingTag(tagsAtCommit, modulePath)
}
