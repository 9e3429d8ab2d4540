package checksum

import (
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestVerifySuccess(t *testing.T) {
	content := "hello world"
	want := []Info{{Algorithm: crypto.SHA256, Hex: digest(content)}}
	if err := Verify(strings.NewReader(content), want); err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
}

func TestVerifyMismatch(t *testing.T) {
	want := []Info{{Algorithm: crypto.SHA256, Hex: digest("other")}}
	if err := Verify(strings.NewReader("hello world"), want); err == nil {
		t.Fatalf("Verify() succeeded, want error")
	}
}

func TestMatchAny(t *testing.T) {
	content := "hello world"
	want := []Info{
		{Algorithm: crypto.SHA256, Hex: digest("wrong")},
		{Algorithm: crypto.SHA256, Hex: digest(content)},
	}
	ok, err := MatchAny(strings.NewReader(content), want)
	if err != nil {
		t.Fatalf("MatchAny() failed: %v", err)
	}
	if !ok {
		t.Fatalf("MatchAny() = false, want true")
	}
}

func TestParseAlgorithmUnsupported(t *testing.T) {
	_, err := ParseAlgorithm("crc32")
	if err == nil {
		t.Fatalf("ParseAlgorithm() succeeded, want error")
	}
	for _, known := range []string{"md5", "sha1", "sha256", "sha512"} {
		if !strings.Contains(err.Error(), known) {
			t.Errorf("error %q does not name supported algorithm %s", err, known)
		}
	}
}
