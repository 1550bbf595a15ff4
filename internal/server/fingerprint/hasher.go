// Package fingerprint computes content fingerprints and resolves them against
// stored FileRecords for deduplication.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// Sums holds both hashes of one payload, hex encoded.
type Sums struct {
	// Fingerprint is the xxh3-128 dedup key.
	Fingerprint string
	// Digest is the blake2b-256 tamper-evident hash.
	Digest string
	// Size is the number of bytes read.
	Size int64
}

// Hasher is safe for concurrent use; each call allocates its own state.
type Hasher struct{}

func NewHasher() *Hasher {
	return &Hasher{}
}

// Sum reads r to EOF and returns the fingerprint and digest in one pass.
func (h *Hasher) Sum(r io.Reader) (Sums, error) {
	fp := xxh3.New()
	dg, err := blake2b.New256(nil)
	if err != nil {
		return Sums{}, fmt.Errorf("blake2b init: %w", err)
	}

	n, err := io.Copy(io.MultiWriter(fp, dg), r)
	if err != nil {
		return Sums{}, fmt.Errorf("read payload: %w", err)
	}

	sum := fp.Sum128().Bytes()
	return Sums{
		Fingerprint: hex.EncodeToString(sum[:]),
		Digest:      hex.EncodeToString(dg.Sum(nil)),
		Size:        n,
	}, nil
}

// Fingerprint returns the xxh3-128 hex fingerprint of b.
func (h *Hasher) Fingerprint(b []byte) string {
	sum := xxh3.Hash128(b).Bytes()
	return hex.EncodeToString(sum[:])
}
