package pip

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/pkg/errors"
)

// checkSdistPkgInfo verifies that a downloaded sdist contains a top-level
// PKG-INFO file ("<root-dir>/PKG-INFO"), the marker of a properly built
// source distribution. Its absence means the file is not an sdist at all.
func checkSdistPkgInfo(path string) error {
	var found bool
	var err error
	switch {
	case strings.HasSuffix(path, ".zip"):
		found, err = zipHasPkgInfo(path)
	default:
		found, err = tarHasPkgInfo(path)
	}
	if err != nil {
		return cachierr.PackageRejected("reading sdist %s: %s", path, err).WithCause(err)
	}
	if !found {
		return cachierr.PackageRejected("sdist %s does not contain a top-level PKG-INFO file", path).
			WithDocs("https://github.com/containerbuildsystem/cachi2/blob/main/docs/pip.md#no-sdist")
	}
	return nil
}

func tarHasPkgInfo(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"), strings.HasSuffix(path, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return false, err
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".bz2"):
		r = bzip2.NewReader(f)
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "reading tar")
		}
		if isTopLevelPkgInfo(hdr.Name) {
			return true, nil
		}
	}
}

func zipHasPkgInfo(path string) (bool, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false, err
	}
	defer zr.Close()
	for _, f := range zr.File {
		if isTopLevelPkgInfo(f.Name) {
			return true, nil
		}
	}
	return false, nil
}

// isTopLevelPkgInfo matches "<dir>/PKG-INFO" exactly one level deep.
func isTopLevelPkgInfo(name string) bool {
	name = strings.TrimPrefix(name, "./")
	parts := strings.Split(strings.Trim(name, "/"), "/")
	return len(parts) == 2 && parts[1] == "PKG-INFO"
}
