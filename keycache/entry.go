package keycache

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keymint/keyforge/keymat"
)

var (
	errEntryExpired     = errors.New("cache entry expired")
	errChecksumMismatch = errors.New("cache entry checksum mismatch")
)

// Entry is the persisted cache record. Checksum covers keyMaterial,
// timestamp and version, so any post-write tampering or truncation is
// detected on read.
type Entry struct {
	KeyMaterial *keymat.KeyMaterial `json:"keyMaterial"`
	Timestamp   int64               `json:"timestamp"`
	Checksum    string              `json:"checksum"`
	Version     string              `json:"version"`
}

// checksumPayload pins the exact byte layout the checksum is computed
// over. Field order matters: encoding/json emits struct fields in
// declaration order.
type checksumPayload struct {
	KeyMaterial *keymat.KeyMaterial `json:"keyMaterial"`
	Timestamp   int64               `json:"timestamp"`
	Version     string              `json:"version"`
}

func newEntry(km *keymat.KeyMaterial, now time.Time, version string) (*Entry, error) {
	if km == nil {
		return nil, fmt.Errorf("keycache: key material is required")
	}

	entry := &Entry{
		KeyMaterial: km,
		Timestamp:   now.UnixMilli(),
		Version:     version,
	}

	sum, err := entry.computeChecksum()
	if err != nil {
		return nil, err
	}

	entry.Checksum = sum

	return entry, nil
}

func (e *Entry) computeChecksum() (string, error) {
	raw, err := json.Marshal(checksumPayload{
		KeyMaterial: e.KeyMaterial,
		Timestamp:   e.Timestamp,
		Version:     e.Version,
	})
	if err != nil {
		return "", fmt.Errorf("keycache: failed to serialize entry for checksum: %w", err)
	}

	sum := sha256.Sum256(raw)

	return hex.EncodeToString(sum[:]), nil
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *Entry) Expired(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli() > e.Timestamp+ttl.Milliseconds()
}

func (e *Entry) validate(now time.Time, ttl time.Duration) error {
	if e.KeyMaterial == nil {
		return errChecksumMismatch
	}

	want, err := e.computeChecksum()
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(e.Checksum)) != 1 {
		return errChecksumMismatch
	}

	if e.Expired(now, ttl) {
		return errEntryExpired
	}

	return nil
}
