// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pypi

import (
	"context"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// IndexFile is one file anchor parsed from a PEP 503 simple-index project
// page.
type IndexFile struct {
	Filename string
	URL      string
	Yanked   bool
	// DigestAlgo/DigestHex carry the "#<algo>=<hex>" URL fragment, when the
	// index provides one.
	DigestAlgo string
	DigestHex  string
}

// anchorRE matches simple-index file anchors; attribute order varies across
// index implementations, so attributes are re-scanned per match.
var anchorRE = regexp.MustCompile(`(?is)<a\s+([^>]*)>([^<]+)</a>`)

var hrefRE = regexp.MustCompile(`(?i)href\s*=\s*"([^"]+)"`)

var yankedRE = regexp.MustCompile(`(?i)data-yanked`)

// SimpleIndex fetches and parses the PEP 503 simple-index page for a
// project, returning every file anchor with its URL, digest fragment, and
// yanked flag.
func (r HTTPRegistry) SimpleIndex(ctx context.Context, project string) ([]IndexFile, error) {
	pageURL := registryURL.ResolveReference(&url.URL{Path: "/simple/" + CanonicalName(project) + "/"})
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, errors.Errorf("pypi simple index error: %v", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return parseSimpleIndex(string(body), pageURL), nil
}

func parseSimpleIndex(page string, base *url.URL) []IndexFile {
	var out []IndexFile
	for _, m := range anchorRE.FindAllStringSubmatch(page, -1) {
		attrs, text := m[1], strings.TrimSpace(m[2])
		href := hrefRE.FindStringSubmatch(attrs)
		if href == nil {
			continue
		}
		raw := html.UnescapeString(href[1])
		f := IndexFile{Filename: html.UnescapeString(text), Yanked: yankedRE.MatchString(attrs)}
		if idx := strings.IndexByte(raw, '#'); idx >= 0 {
			fragment := raw[idx+1:]
			raw = raw[:idx]
			if algo, hex, ok := strings.Cut(fragment, "="); ok {
				f.DigestAlgo, f.DigestHex = algo, hex
			}
		}
		if u, err := url.Parse(raw); err == nil {
			f.URL = base.ResolveReference(u).String()
		} else {
			f.URL = raw
		}
		out = append(out, f)
	}
	return out
}

// CanonicalName normalizes a project name per PEP 503: lowercase, with any
// run of "-", "_", or "." collapsed to a single "-".
func CanonicalName(name string) string {
	return nameSeparatorRE.ReplaceAllString(strings.ToLower(name), "-")
}

var nameSeparatorRE = regexp.MustCompile(`[-_.]+`)
