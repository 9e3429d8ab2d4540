// Package yarn parses yarn.lock files in both of their wire formats: the
// yarn-classic (v1) indented key/value grammar and the Yarn Berry (v2+)
// YAML document. Both reduce to the same Dependency shape; what differs is
// how checksums are expressed (classic carries verifiable SRI integrity or
// a sha1 URL fragment, Berry records its own cache hash which cannot be
// checked against the registry tarball).
package yarn

import (
	"bufio"
	"encoding/base64"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	yaml "gopkg.in/yaml.v3"
)

// Kind discriminates a dependency's source.
type Kind string

const (
	KindRegistry Kind = "registry"
	KindURL      Kind = "url"
	KindLink     Kind = "link"
)

// Dependency is a single locked package.
type Dependency struct {
	Kind     Kind
	Name     string
	Version  string
	Resolved string
	// Checksums is empty when the lockfile recorded nothing verifiable.
	Checksums []checksum.Info
}

// ParseClassic decodes a yarn-classic (v1) yarn.lock.
func ParseClassic(content string) ([]Dependency, error) {
	if strings.Contains(content, "__metadata:") {
		return nil, cachierr.Unsupported("yarn.lock is a Yarn Berry lockfile; use the \"yarn\" package type")
	}
	byKey := map[string]Dependency{}
	var order []string

	var name string
	var cur *Dependency
	flush := func() {
		if cur != nil && cur.Name != "" {
			key := cur.Name + "@" + cur.Version
			if _, ok := byKey[key]; !ok {
				byKey[key] = *cur
				order = append(order, key)
			}
		}
		cur = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		case !strings.HasPrefix(line, " "):
			// A new entry header: one or more comma-separated "name@range"
			// selectors, optionally quoted.
			flush()
			name = entryName(trimmed)
			cur = &Dependency{Kind: KindRegistry, Name: name}
		case cur == nil:
			continue
		case strings.HasPrefix(trimmed, "version "):
			cur.Version = unquote(strings.TrimPrefix(trimmed, "version "))
		case strings.HasPrefix(trimmed, "resolved "):
			resolved := unquote(strings.TrimPrefix(trimmed, "resolved "))
			url, fragment, _ := strings.Cut(resolved, "#")
			cur.Resolved = url
			if len(fragment) == 40 {
				cur.Checksums = append(cur.Checksums, sha1Info(fragment))
			}
			if !strings.Contains(url, "/-/") {
				cur.Kind = KindURL
			}
		case strings.HasPrefix(trimmed, "integrity "):
			if info, ok := sriChecksum(strings.TrimSpace(strings.TrimPrefix(trimmed, "integrity"))); ok {
				// SRI integrity supersedes the legacy sha1 fragment.
				cur.Checksums = []checksum.Info{info}
			}
		}
	}
	flush()

	out := make([]Dependency, 0, len(byKey))
	sort.Strings(order)
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out, nil
}

// entryName extracts the package name from a "name@range, name@range:"
// header line.
func entryName(header string) string {
	header = strings.TrimSuffix(header, ":")
	first := strings.Split(header, ",")[0]
	first = unquote(strings.TrimSpace(first))
	idx := strings.LastIndexByte(first, '@')
	if idx <= 0 {
		return first
	}
	return first[:idx]
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func sha1Info(hexDigest string) checksum.Info {
	info, _ := parseChecksum("sha1", hexDigest)
	return info
}

func parseChecksum(algo, hexDigest string) (checksum.Info, bool) {
	h, err := checksum.ParseAlgorithm(algo)
	if err != nil {
		return checksum.Info{}, false
	}
	return checksum.Info{Algorithm: h, Hex: hexDigest}, true
}

func sriChecksum(sri string) (checksum.Info, bool) {
	algo, b64, found := strings.Cut(sri, "-")
	if !found {
		return checksum.Info{}, false
	}
	h, err := checksum.ParseAlgorithm(algo)
	if err != nil {
		return checksum.Info{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return checksum.Info{}, false
	}
	return checksum.Info{Algorithm: h, Hex: hex.EncodeToString(raw)}, true
}

// berryEntry is one Yarn Berry lockfile value.
type berryEntry struct {
	Version    string `yaml:"version"`
	Resolution string `yaml:"resolution"`
	Checksum   string `yaml:"checksum"`
	LinkType   string `yaml:"linkType"`
}

// ParseBerry decodes a Yarn Berry (v2+) yarn.lock. Berry's own checksum
// field hashes the unpacked archive with a yarn-internal scheme and is not
// verifiable against the downloaded tarball, so Checksums stays empty.
func ParseBerry(content []byte) ([]Dependency, error) {
	var doc map[string]berryEntry
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, cachierr.UnexpectedFormat("parsing yarn.lock: %s", err).WithCause(err)
	}
	if _, ok := doc["__metadata"]; !ok {
		return nil, cachierr.Unsupported("yarn.lock is not a Yarn Berry lockfile; use the \"yarn-classic\" package type")
	}
	var out []Dependency
	seen := map[string]bool{}
	for key, entry := range doc {
		if key == "__metadata" {
			continue
		}
		name, proto, ref, err := splitResolution(entry.Resolution)
		if err != nil {
			return nil, err
		}
		dep := Dependency{Name: name, Version: entry.Version}
		switch proto {
		case "npm":
			dep.Kind = KindRegistry
		case "workspace", "portal", "link":
			dep.Kind = KindLink
			dep.Resolved = ref
		case "https", "http":
			dep.Kind = KindURL
			dep.Resolved = proto + ":" + ref
		default:
			return nil, cachierr.Unsupported("unsupported yarn resolution protocol %q in %q", proto, entry.Resolution)
		}
		dedupKey := string(dep.Kind) + "\x00" + dep.Name + "\x00" + dep.Version
		if !seen[dedupKey] {
			seen[dedupKey] = true
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// splitResolution decodes "name@protocol:ref" (the name may itself contain
// "@" for scoped packages).
func splitResolution(resolution string) (name, protocol, ref string, err error) {
	if resolution == "" {
		return "", "", "", cachierr.UnexpectedFormat("yarn.lock entry has no resolution")
	}
	idx := strings.LastIndexByte(resolution, '@')
	if idx <= 0 {
		return "", "", "", cachierr.UnexpectedFormat("malformed yarn resolution %q", resolution)
	}
	name = resolution[:idx]
	rest := resolution[idx+1:]
	protocol, ref, found := strings.Cut(rest, ":")
	if !found {
		// Bare "name@version" resolutions are registry entries.
		return name, "npm", rest, nil
	}
	return name, protocol, ref, nil
}
