// Package gitfetch clones a single commit of a git repository and archives
// the worktree into a deterministic tar.gz, the way cachi2 vendors a
// VCS-sourced dependency without leaving a .git directory behind. Clones
// go into memory storage; there is no persistent repo cache.
package gitfetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path"
	"sort"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"
)

// Result is a fetched commit, archived and ready to write to disk.
type Result struct {
	Commit  string
	Archive []byte // gzip-compressed tar, single top-level "app/" prefix
}

// FetchCommit clones url, checks out commit (a full 40-character SHA), and
// returns a deterministic tar.gz of the worktree rooted at "app/".
func FetchCommit(ctx context.Context, url, commit string) (*Result, error) {
	hash := plumbing.NewHash(commit)
	if hash.IsZero() || hash.String() != commit {
		return nil, errors.Errorf("invalid commit %q", commit)
	}
	storer := memory.NewStorage()
	fs := memfs.New()
	repo, err := git.CloneContext(ctx, storer, fs, &git.CloneOptions{
		URL:        url,
		NoCheckout: true,
		Tags:       git.AllTags,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cloning %s", url)
	}
	if _, err := repo.CommitObject(hash); err != nil {
		if ferr := fetchCommit(ctx, repo, hash); ferr != nil {
			return nil, errors.Wrapf(ferr, "fetching commit %s", commit)
		}
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, errors.Wrap(err, "opening worktree")
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return nil, errors.Wrapf(err, "checking out %s", commit)
	}
	archive, err := archiveWorktree(wt.Filesystem)
	if err != nil {
		return nil, errors.Wrap(err, "archiving worktree")
	}
	return &Result{Commit: commit, Archive: archive}, nil
}

func fetchCommit(ctx context.Context, repo *git.Repository, hash plumbing.Hash) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []config.RefSpec{config.RefSpec(hash.String() + ":" + hash.String())},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) && !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return err
	}
	return nil
}

// archiveWorktree walks the billy filesystem in sorted order (skipping
// .git) and writes a tar.gz with fixed (zero) timestamps so the same
// commit always produces byte-identical output.
func archiveWorktree(wfs billy.Filesystem) ([]byte, error) {
	entries, err := walk(wfs, "/")
	if err != nil {
		return nil, err
	}
	return newTarGz(entries)
}

func walk(wfs billy.Filesystem, dir string) ([]tarEntry, error) {
	infos, err := wfs.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dir %s", dir)
	}
	var out []tarEntry
	for _, info := range infos {
		name := info.Name()
		if name == ".git" {
			continue
		}
		full := path.Join(dir, name)
		rel := path.Clean(full)[1:] // strip leading "/"
		if info.IsDir() {
			out = append(out, tarEntry{Name: rel, IsDir: true})
			children, err := walk(wfs, full)
			if err != nil {
				return nil, err
			}
			out = append(out, children...)
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := wfs.Readlink(full)
			if err != nil {
				return nil, errors.Wrapf(err, "reading symlink %s", full)
			}
			out = append(out, tarEntry{Name: rel, Symlink: target})
			continue
		}
		f, err := wfs.Open(full)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", full)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", full)
		}
		out = append(out, tarEntry{Name: rel, Data: data})
	}
	return out, nil
}

func newTarGz(entries []tarEntry) ([]byte, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     "app/" + e.Name,
			Mode:     0o644,
			Size:     int64(len(e.Data)),
			Typeflag: tar.TypeReg,
		}
		switch {
		case e.IsDir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Name += "/"
			hdr.Size = 0
		case e.Symlink != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.Symlink
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write(e.Data); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type tarEntry struct {
	Name    string
	IsDir   bool
	Symlink string
	Data    []byte
}
