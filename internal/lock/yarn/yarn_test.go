package yarn

import (
	"crypto"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const classicLock = `# THIS IS AN AUTOGENERATED FILE. DO NOT EDIT THIS FILE DIRECTLY.
# yarn lockfile v1


"@babel/code-frame@^7.0.0":
  version "7.23.5"
  resolved "https://registry.yarnpkg.com/@babel/code-frame/-/code-frame-7.23.5.tgz#9009b69a8c602293476ad598ff53e4562e15c244"
  integrity sha512-CgH3s1a96LipHCmSUmYFPwY7MNx8C3avkq7i4Wl3cfa662ldtUe4VM1TPXX70pfmrlWTb6jLqTYrZyT2ZTJBgA==
  dependencies:
    "@babel/highlight" "^7.23.4"

lodash@^4.17.21, lodash@^4.17.20:
  version "4.17.21"
  resolved "https://registry.yarnpkg.com/lodash/-/lodash-4.17.21.tgz#679591c564c3bffaae8454cf0b3df370c3d6911c"
`

func TestParseClassic(t *testing.T) {
	deps, err := ParseClassic(classicLock)
	if err != nil {
		t.Fatalf("ParseClassic: %v", err)
	}
	if len(deps) != 2 {
		t.Fatalf("expected 2 dependencies, got %d: %v", len(deps), deps)
	}
	babel := deps[0]
	if babel.Name != "@babel/code-frame" || babel.Version != "7.23.5" || babel.Kind != KindRegistry {
		t.Errorf("babel entry: %+v", babel)
	}
	if len(babel.Checksums) != 1 || babel.Checksums[0].Algorithm != crypto.SHA512 {
		t.Errorf("babel should carry the SRI sha512 checksum, got %v", babel.Checksums)
	}
	lodash := deps[1]
	if len(lodash.Checksums) != 1 || lodash.Checksums[0].Algorithm != crypto.SHA1 ||
		lodash.Checksums[0].Hex != "679591c564c3bffaae8454cf0b3df370c3d6911c" {
		t.Errorf("lodash should carry the sha1 fragment checksum, got %v", lodash.Checksums)
	}
}

func TestParseClassicRejectsBerry(t *testing.T) {
	if _, err := ParseClassic("__metadata:\n  version: 8\n"); err == nil {
		t.Fatal("expected a Berry lockfile to be rejected by the classic parser")
	}
}

func TestParseBerry(t *testing.T) {
	lock := `__metadata:
  version: 8
  cacheKey: 10c0

"lodash@npm:^4.17.21":
  version: 4.17.21
  resolution: "lodash@npm:4.17.21"
  checksum: 10c0/d8cbea072bb08655bb4c989da418994b073a608dffa608b09ac04b43a791b12aeae7cd7ad919aa4c925f33b48490b5cfe6c1f71d827956071dae2e7bb3a6b74c
  languageName: node
  linkType: hard

"myworkspace@workspace:.":
  version: 0.0.0-use.local
  resolution: "myworkspace@workspace:."
  languageName: unknown
  linkType: soft
`
	deps, err := ParseBerry([]byte(lock))
	if err != nil {
		t.Fatalf("ParseBerry: %v", err)
	}
	want := []Dependency{
		{Kind: KindRegistry, Name: "lodash", Version: "4.17.21"},
		{Kind: KindLink, Name: "myworkspace", Version: "0.0.0-use.local", Resolved: "."},
	}
	if diff := cmp.Diff(want, deps); diff != "" {
		t.Errorf("dependencies mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBerryRejectsClassic(t *testing.T) {
	if _, err := ParseBerry([]byte("foo:\n  version: \"1\"\n")); err == nil {
		t.Fatal("expected a classic lockfile to be rejected by the Berry parser")
	}
}
