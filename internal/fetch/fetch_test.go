package fetch

import (
	"context"
	"crypto"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerbuildsystem/cachi2-go/internal/checksum"
	"github.com/containerbuildsystem/cachi2-go/internal/httpx/httpxtest"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
)

func TestFetchAllWritesAndVerifies(t *testing.T) {
	dir := t.TempDir()
	root, err := rootedpath.NewRoot(dir)
	if err != nil {
		t.Fatalf("NewRoot() failed: %v", err)
	}
	dest, err := root.Join("artifact.tar.gz")
	if err != nil {
		t.Fatalf("Join() failed: %v", err)
	}

	content := "artifact-bytes"
	client := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(content)}},
		},
	}
	f := New(client, 2, time.Millisecond)
	sum := sha256hex(content)
	jobs := []Job{{
		URL:       "https://example.com/artifact.tar.gz",
		Dest:      dest,
		Checksums: []checksum.Info{{Algorithm: crypto.SHA256, Hex: sum}},
	}}
	if err := f.FetchAll(context.Background(), jobs); err != nil {
		t.Fatalf("FetchAll() failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "artifact.tar.gz"))
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content = %q, want %q", got, content)
	}
}

func TestFetchAllChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	root, _ := rootedpath.NewRoot(dir)
	dest, _ := root.Join("artifact.tar.gz")

	client := &httpxtest.MockClient{
		SkipURLValidation: true,
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("bytes")}},
		},
	}
	f := New(client, 1, time.Millisecond)
	jobs := []Job{{
		URL:       "https://example.com/artifact.tar.gz",
		Dest:      dest,
		Checksums: []checksum.Info{{Algorithm: crypto.SHA256, Hex: "deadbeef"}},
	}}
	if err := f.FetchAll(context.Background(), jobs); err == nil {
		t.Fatalf("FetchAll() succeeded, want error")
	}
	if _, err := os.Stat(filepath.Join(dir, "artifact.tar.gz")); !os.IsNotExist(err) {
		t.Fatalf("rejected download must be removed, stat err = %v", err)
	}
}

func sha256hex(s string) string {
	h := crypto.SHA256.New()
	h.Write([]byte(s))
	b := h.Sum(nil)
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0xf]
	}
	return string(out)
}
