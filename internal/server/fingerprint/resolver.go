package fingerprint

import (
	"context"

	"github.com/dmitrijs2005/docintake/internal/server/models"
)

// GlobalScope is the dedup_scope value shared by all principals.
const GlobalScope = "*"

// FileLookup is the read side of the files repository the resolver needs.
type FileLookup interface {
	FindByFingerprints(ctx context.Context, scope string, fingerprints []string) ([]*models.FileRecord, error)
}

// Candidate is one file to be matched against stored content.
type Candidate struct {
	Fingerprint string
	SizeBytes   int64
	MimeType    string
}

// Resolver matches candidates to existing FileRecords on the full
// (fingerprint, size, MIME) triple. It is read-only.
type Resolver struct {
	lookup FileLookup
	global bool
}

func NewResolver(lookup FileLookup, global bool) *Resolver {
	return &Resolver{lookup: lookup, global: global}
}

// ScopeKey returns the dedup_scope value for records owned by owner.
func (r *Resolver) ScopeKey(owner string) string {
	if r.global {
		return GlobalScope
	}
	return owner
}

// Resolve issues one lookup for the whole batch. The result is index-aligned
// with candidates; an entry is nil when no stored record matches. Candidates
// with an empty fingerprint never match. A lookup error is returned as is so
// callers cannot mistake an outage for "new content".
func (r *Resolver) Resolve(ctx context.Context, owner string, candidates []Candidate) ([]*models.FileRecord, error) {
	out := make([]*models.FileRecord, len(candidates))

	seen := make(map[string]struct{}, len(candidates))
	fps := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Fingerprint == "" {
			continue
		}
		if _, ok := seen[c.Fingerprint]; ok {
			continue
		}
		seen[c.Fingerprint] = struct{}{}
		fps = append(fps, c.Fingerprint)
	}
	if len(fps) == 0 {
		return out, nil
	}

	found, err := r.lookup.FindByFingerprints(ctx, r.ScopeKey(owner), fps)
	if err != nil {
		return nil, err
	}

	byKey := make(map[models.DedupKey]*models.FileRecord, len(found))
	for _, f := range found {
		if k, ok := f.Key(); ok {
			byKey[k] = f
		}
	}

	for i, c := range candidates {
		if c.Fingerprint == "" {
			continue
		}
		out[i] = byKey[models.DedupKey{Fingerprint: c.Fingerprint, SizeBytes: c.SizeBytes, MimeType: c.MimeType}]
	}
	return out, nil
}
