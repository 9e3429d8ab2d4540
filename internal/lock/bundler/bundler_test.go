package bundler

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleLock = `GIT
  remote: https://github.com/rails/rails.git
  revision: 6b93fff8af32ef5e91f4ec3cfffb081d0553faf0
  branch: main
  specs:
    activesupport (7.2.0.alpha)
      concurrent-ruby (~> 1.0, >= 1.0.2)

PATH
  remote: gems/local_gem
  specs:
    local_gem (0.1.0)

GEM
  remote: https://rubygems.org/
  specs:
    concurrent-ruby (1.2.3)
    nokogiri (1.15.5-x86_64-linux)
      racc (~> 1.4)
    racc (1.7.3)

PLATFORMS
  ruby
  x86_64-linux

DEPENDENCIES
  activesupport!
  local_gem!
  nokogiri

BUNDLED WITH
   2.4.22
`

func TestParse(t *testing.T) {
	deps, err := Parse(sampleLock)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Dependency{
		{Kind: KindGit, Name: "activesupport", Version: "7.2.0.alpha", URL: "https://github.com/rails/rails.git", Revision: "6b93fff8af32ef5e91f4ec3cfffb081d0553faf0", Branch: "main"},
		{Kind: KindPath, Name: "local_gem", Version: "0.1.0", Path: "gems/local_gem"},
		{Kind: KindRubygems, Name: "concurrent-ruby", Version: "1.2.3", Remote: "https://rubygems.org/"},
		{Kind: KindRubygems, Name: "nokogiri", Version: "1.15.5", Remote: "https://rubygems.org/", Platform: "x86_64-linux"},
		{Kind: KindRubygems, Name: "racc", Version: "1.7.3", Remote: "https://rubygems.org/"},
	}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejectsHTTPRemote(t *testing.T) {
	lock := strings.Replace(sampleLock, "https://rubygems.org/", "http://rubygems.org/", 1)
	if _, err := Parse(lock); err == nil {
		t.Fatal("expected rejection of a non-HTTPS rubygems remote")
	}
}

func TestParseRejectsShortRevision(t *testing.T) {
	lock := strings.Replace(sampleLock, "6b93fff8af32ef5e91f4ec3cfffb081d0553faf0", "6b93fff", 1)
	if _, err := Parse(lock); err == nil {
		t.Fatal("expected rejection of a short git revision")
	}
}
