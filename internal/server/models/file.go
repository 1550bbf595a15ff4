// Package models defines server-side data models persisted in the database.
package models

import "time"

// FileRecord describes one physical object in blob storage.
type FileRecord struct {
	ID      string
	OwnerID string
	// DedupScope is the owner id or "*" depending on the configured scope.
	DedupScope  string
	DisplayName string
	MimeType    string
	SizeBytes   int64
	// StorageKey is the object-storage key of the payload.
	StorageKey string
	// Fingerprint is nil when the protocol never saw the bytes.
	Fingerprint *string
	// Digest is the tamper-evident content hash, nil like Fingerprint.
	Digest    *string
	CreatedAt time.Time
}

// DedupKey is the uniqueness triple for content-addressed FileRecords.
type DedupKey struct {
	Fingerprint string
	SizeBytes   int64
	MimeType    string
}

// Key returns the dedup triple, ok=false for records without a fingerprint.
func (f *FileRecord) Key() (DedupKey, bool) {
	if f.Fingerprint == nil {
		return DedupKey{}, false
	}
	return DedupKey{Fingerprint: *f.Fingerprint, SizeBytes: f.SizeBytes, MimeType: f.MimeType}, true
}
