// Package checksum verifies downloaded artifacts against one or more
// expected digests, streaming the content once through every requested
// hash algorithm.
package checksum

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/hex"
	"io"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/hashext"
	"github.com/pkg/errors"
)

// Info is a single expected checksum, as found in a lockfile.
type Info struct {
	Algorithm crypto.Hash
	Hex       string
}

// ParseAlgorithm maps a lockfile algorithm name (md5, sha1, sha256, sha512)
// to its crypto.Hash.
func ParseAlgorithm(name string) (crypto.Hash, error) {
	switch strings.ToLower(name) {
	case "md5":
		return crypto.MD5, nil
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	default:
		return 0, errors.Errorf("unsupported checksum algorithm %q (supported: md5, sha1, sha256, sha512)", name)
	}
}

// Verify streams r through every algorithm named in want and returns an
// error unless every checksum matches (all constraints must be satisfied,
// not merely one — this differs from MatchAny, which is used when a
// lockfile lists alternative digests for the same artifact).
func Verify(r io.Reader, want []Info) error {
	hashes, err := digestAll(r, want)
	if err != nil {
		return err
	}
	for i, w := range want {
		got := hex.EncodeToString(hashes[i].Sum(nil))
		if !strings.EqualFold(got, w.Hex) {
			return errors.Errorf("checksum mismatch (%s): got %s, want %s", algoName(w.Algorithm), got, w.Hex)
		}
	}
	return nil
}

// digestAll streams r once through a MultiHash over every requested
// algorithm.
func digestAll(r io.Reader, want []Info) (hashext.MultiHash, error) {
	if len(want) == 0 {
		return nil, errors.New("no checksums to verify against")
	}
	algos := make([]crypto.Hash, len(want))
	for i, w := range want {
		algos[i] = w.Algorithm
	}
	mh := hashext.NewMultiHash(algos...)
	if _, err := io.Copy(mh, r); err != nil {
		return nil, errors.Wrap(err, "reading content to checksum")
	}
	return mh, nil
}

// MatchAny streams r once and reports whether at least one of the listed
// checksums matches, as required when a lockfile provides several
// acceptable digests for the same artifact (e.g. pip's per-file hash list).
func MatchAny(r io.Reader, want []Info) (bool, error) {
	hashes, err := digestAll(r, want)
	if err != nil {
		return false, err
	}
	for i, w := range want {
		got := hex.EncodeToString(hashes[i].Sum(nil))
		if strings.EqualFold(got, w.Hex) {
			return true, nil
		}
	}
	return false, nil
}

// Describe returns the lowercase algorithm name and hex digest of an Info,
// for use in filenames ("<name>-external-<algo>-<digest>") and purl
// checksum qualifiers ("<algo>:<digest>").
func Describe(i Info) (algo, hexDigest string) {
	return algoName(i.Algorithm), strings.ToLower(i.Hex)
}

func algoName(h crypto.Hash) string {
	switch h {
	case crypto.MD5:
		return "md5"
	case crypto.SHA1:
		return "sha1"
	case crypto.SHA256:
		return "sha256"
	case crypto.SHA512:
		return "sha512"
	default:
		return "unknown"
	}
}
