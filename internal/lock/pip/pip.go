// Package pip hand-parses requirements*.txt files into a typed dependency
// list. Only the option and requirement forms cachi2 accepts are
// implemented; everything else is rejected rather than guessed at.
package pip

import (
	"bufio"
	"net/url"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
)

// Kind discriminates a requirement's source.
type Kind string

const (
	KindPyPI Kind = "pypi"
	KindURL  Kind = "url"
	KindVCS  Kind = "vcs"
)

// Requirement is a single parsed requirements*.txt entry.
type Requirement struct {
	Kind Kind
	Name string

	// pypi
	Version string

	// url/vcs
	RawURL string // with any VCS "git+" prefix preserved

	// vcs-only
	VCSType string // "git" (only VCS currently supported)
	Ref     string // commit-ish after "@"

	Hashes       []checksum.Info
	Editable     bool
	OriginalLine string // verbatim, for project-file rewriting
}

// Options carries the per-file option state accumulated while scanning:
// whether --require-hashes was set (a --hash on some line is not recorded
// here), plus --trusted-host entries (host or host:port) for TLS suppression.
type Options struct {
	RequireHashes bool
	TrustedHosts  []string
}

// rejectedOptions is the closed set of index/binary-selection flags the
// parser refuses, since cachi2 always resolves from its own configured
// index and never chooses wheels implicitly.
var rejectedOptions = map[string]bool{
	"-i": true, "--index-url": true, "--extra-index-url": true,
	"--no-index": true, "-f": true, "--find-links": true, "--only-binary": true,
}

// ParseResult is everything extracted from one requirements file.
type ParseResult struct {
	Requirements []Requirement
	Options      Options
	// Includes records -r/-c referenced files (relative paths), which the
	// caller is expected to also parse and fold in.
	Includes []string
}

// Parse parses one requirements*.txt file's content.
func Parse(content string) (*ParseResult, error) {
	res := &ParseResult{}
	lines := joinContinuations(content)
	for _, raw := range lines {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// "-e <req>" is a requirement, not a file-level option.
		if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "-e ") && !strings.HasPrefix(line, "--editable ") {
			if err := parseOption(line, res); err != nil {
				return nil, err
			}
			continue
		}
		req, err := parseRequirementLine(line)
		if err != nil {
			return nil, err
		}
		req.OriginalLine = raw
		res.Requirements = append(res.Requirements, req)
	}
	if res.Options.RequireHashes {
		for i := range res.Requirements {
			if len(res.Requirements[i].Hashes) == 0 {
				return nil, cachierr.PackageRejected("requirement %q has no hash but hashes are required", res.Requirements[i].Name)
			}
		}
	}
	return res, nil
}

func joinContinuations(content string) []string {
	var out []string
	var cur strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasSuffix(strings.TrimRight(line, " \t"), "\\") {
			trimmed := strings.TrimRight(line, " \t")
			cur.WriteString(strings.TrimSuffix(trimmed, "\\"))
			cur.WriteString(" ")
			continue
		}
		cur.WriteString(line)
		out = append(out, cur.String())
		cur.Reset()
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func stripComment(line string) string {
	inQuote := byte(0)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inQuote = c
		case '#':
			// Only a '#' at line start or after whitespace opens a comment;
			// elsewhere it is a URL fragment (#egg=, #cachito_hash=).
			if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
				return line[:i]
			}
		}
	}
	return line
}

func parseOption(line string, res *ParseResult) error {
	fields := strings.Fields(line)
	name := fields[0]
	switch {
	case name == "-r" || name == "-c":
		if len(fields) >= 2 {
			res.Includes = append(res.Includes, fields[1])
		}
		return nil
	case name == "--require-hashes":
		res.Options.RequireHashes = true
		return nil
	case name == "--trusted-host":
		if len(fields) >= 2 {
			res.Options.TrustedHosts = append(res.Options.TrustedHosts, fields[1])
		}
		return nil
	case name == "-e" || name == "--editable":
		// editable requirements are captured on the next requirement line
		// by the caller's line-based loop; treat as a no-op option here
		// since cachi2's hand-rolled grammar handles "-e <req>" inline.
		return nil
	case strings.HasPrefix(name, "-e") && name != "-e":
		return nil
	case rejectedOptions[name]:
		return cachierr.Unsupported("unsupported pip requirements option: %s", name).
			WithSolution("remove " + name + " from the requirements file; cachi2 resolves from its own configured index")
	default:
		return nil
	}
}

func parseRequirementLine(line string) (Requirement, error) {
	editable := false
	if strings.HasPrefix(line, "-e ") || strings.HasPrefix(line, "--editable ") {
		editable = true
		_, line, _ = strings.Cut(line, " ")
		line = strings.TrimSpace(line)
	}

	// bare URL form: "git+url#egg=name" or "https://...#egg=name"
	if first := strings.Fields(line); len(first) > 0 &&
		(strings.HasPrefix(first[0], "git+") || strings.Contains(first[0], "://")) {
		rawURL, hashes, egg, err := extractInlineHash(line)
		if err != nil {
			return Requirement{}, err
		}
		return classifyDirectRef(egg, rawURL, hashes, editable)
	}

	// direct-reference form: "name @ url[ ;markers][ --hash=...][ #fragment]"
	if name, rest, ok := strings.Cut(line, "@"); ok && looksLikeDirectRef(line) {
		name = strings.TrimSpace(name)
		rest = strings.TrimSpace(rest)
		rawURL, hashes, egg, err := extractInlineHash(rest)
		if err != nil {
			return Requirement{}, err
		}
		if name == "" {
			name = egg
		}
		return classifyDirectRef(name, rawURL, hashes, editable)
	}

	// plain "name==version [--hash=...]" form
	rawRest, hashes, _, err := extractInlineHash(line)
	if err != nil {
		return Requirement{}, err
	}
	name, version, err := splitPinned(rawRest)
	if err != nil {
		return Requirement{}, err
	}
	return Requirement{Kind: KindPyPI, Name: name, Version: version, Hashes: hashes, Editable: editable}, nil
}

// looksLikeDirectRef distinguishes "name @ url" from an ordinary version
// specifier line; a direct reference always has whitespace before '@' or
// uses PEP 508 "name @ scheme://" shape.
func looksLikeDirectRef(line string) bool {
	idx := strings.IndexByte(line, '@')
	if idx <= 0 {
		return false
	}
	rest := strings.TrimSpace(line[idx+1:])
	return strings.Contains(rest, "://") || strings.HasPrefix(rest, "git+")
}

func extractInlineHash(s string) (string, []checksum.Info, string, error) {
	s = strings.TrimSpace(s)
	var hashes []checksum.Info
	fields := strings.Fields(s)
	var kept []string
	for _, f := range fields {
		if strings.HasPrefix(f, "--hash=") || strings.HasPrefix(f, "--hash") {
			val := strings.TrimPrefix(f, "--hash=")
			val = strings.TrimPrefix(val, "--hash")
			val = strings.TrimPrefix(val, "=")
			info, err := parseHashSpecifier(val)
			if err != nil {
				return "", nil, "", err
			}
			hashes = append(hashes, info)
			continue
		}
		kept = append(kept, f)
	}
	rest := strings.Join(kept, " ")
	// strip #egg=/#cachito_hash= fragments and any other fragment for URL
	// forms; a #cachito_hash fragment is equivalent to a single --hash.
	egg := ""
	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		fragment := rest[idx+1:]
		rest = rest[:idx]
		for _, part := range strings.Split(fragment, "&") {
			switch {
			case strings.HasPrefix(part, "cachito_hash="):
				val := strings.TrimPrefix(part, "cachito_hash=")
				info, err := parseHashSpecifier(strings.ReplaceAll(val, "%3A", ":"))
				if err != nil {
					return "", nil, "", err
				}
				if len(hashes) > 0 {
					return "", nil, "", cachierr.PackageRejected("requirement has both --hash and #cachito_hash")
				}
				hashes = append(hashes, info)
			case strings.HasPrefix(part, "egg="):
				egg = strings.TrimPrefix(part, "egg=")
			}
		}
	}
	return strings.TrimSpace(rest), hashes, egg, nil
}

func parseHashSpecifier(s string) (checksum.Info, error) {
	algo, hex, ok := strings.Cut(s, ":")
	if !ok || algo == "" || hex == "" {
		return checksum.Info{}, cachierr.PackageRejected("Not a valid hash specifier: '%s' (expected 'algorithm:digest')", s)
	}
	h, err := checksum.ParseAlgorithm(algo)
	if err != nil {
		return checksum.Info{}, cachierr.PackageRejected("Not a valid hash specifier: '%s' (expected 'algorithm:digest')", s)
	}
	return checksum.Info{Algorithm: h, Hex: hex}, nil
}

func splitPinned(s string) (name, version string, err error) {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "=="); idx >= 0 {
		return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+2:]), nil
	}
	// No version pin at all: treat the whole token as a bare name. The
	// resolver rejects unpinned names; constraint resolution is out of
	// scope here.
	return s, "", nil
}

func classifyDirectRef(name, rawURL string, hashes []checksum.Info, editable bool) (Requirement, error) {
	if name == "" {
		return Requirement{}, cachierr.PackageRejected("direct reference requires a package name (name @ url or #egg=name): %s", rawURL)
	}

	switch {
	case strings.HasPrefix(rawURL, "git+"):
		vcsURL, ref := splitVCSRef(strings.TrimPrefix(rawURL, "git+"))
		return Requirement{Kind: KindVCS, Name: name, RawURL: vcsURL, VCSType: "git", Ref: ref, Hashes: hashes, Editable: editable}, nil
	case strings.HasPrefix(rawURL, "file://"):
		return Requirement{}, cachierr.Unsupported("file:// requirements are not supported: %s", rawURL).
			WithSolution("vendor the dependency or publish it to a reachable index/VCS")
	default:
		u, err := url.Parse(rawURL)
		if err != nil || u.Scheme == "" {
			return Requirement{}, cachierr.Unsupported("unable to determine scheme for requirement: %s", rawURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return Requirement{}, cachierr.Unsupported("unsupported URL scheme %q: %s", u.Scheme, rawURL)
		}
		return Requirement{Kind: KindURL, Name: name, RawURL: rawURL, Hashes: hashes, Editable: editable}, nil
	}
}

func splitVCSRef(rawURL string) (url, ref string) {
	if idx := strings.LastIndexByte(rawURL, '@'); idx >= 0 {
		// Only treat as a ref separator if it appears after the scheme
		// (avoids splitting on userinfo "@" in "git+ssh://user@host/...").
		schemeEnd := strings.Index(rawURL, "://")
		if schemeEnd == -1 || idx > schemeEnd+3 {
			if !strings.Contains(rawURL[idx:], "/") {
				return rawURL[:idx], rawURL[idx+1:]
			}
		}
	}
	return rawURL, ""
}
