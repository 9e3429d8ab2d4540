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
	"net/http"
	"testing"

	"github.com/containerbuildsystem/cachi2-go/internal/httpx/httpxtest"
	"github.com/google/go-cmp/cmp"
)

func TestSimpleIndex(t *testing.T) {
	page := `<!DOCTYPE html>
<html><body>
<a href="https://files.pythonhosted.org/packages/aiowsgi-0.7.tar.gz#sha256=abc123">aiowsgi-0.7.tar.gz</a><br/>
<a href="../../packages/aiowsgi-0.6.tar.gz" data-yanked="broken">aiowsgi-0.6.tar.gz</a><br/>
</body></html>`
	registry := HTTPRegistry{Client: &httpxtest.MockClient{
		Calls: []httpxtest.Call{{
			URL:      "https://pypi.org/simple/aiowsgi/",
			Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(page)},
		}},
		URLValidator: httpxtest.NewURLValidator(t),
	}}
	files, err := registry.SimpleIndex(context.Background(), "AioWSGI")
	if err != nil {
		t.Fatalf("SimpleIndex: %v", err)
	}
	want := []IndexFile{
		{Filename: "aiowsgi-0.7.tar.gz", URL: "https://files.pythonhosted.org/packages/aiowsgi-0.7.tar.gz", DigestAlgo: "sha256", DigestHex: "abc123"},
		{Filename: "aiowsgi-0.6.tar.gz", URL: "https://pypi.org/packages/aiowsgi-0.6.tar.gz", Yanked: true},
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestCanonicalName(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"AioWSGI", "aiowsgi"},
		{"foo._-bar", "foo-bar"},
		{"typing_extensions", "typing-extensions"},
	} {
		if got := CanonicalName(tc.in); got != tc.want {
			t.Errorf("CanonicalName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
