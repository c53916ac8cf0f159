package core

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// NewId mints a fresh time-sortable document identifier (UUIDv7).
// Ids sort lexicographically in creation order and embed their creation
// timestamp, so created_at is never stored separately.
func NewId() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// IdTime extracts the creation timestamp embedded in a document ID.
func IdTime(id string) (time.Time, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrInvalidID, err)
	}
	if u.Version() != 7 {
		return time.Time{}, fmt.Errorf("%w: uuid version %d carries no timestamp", ErrInvalidID, u.Version())
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}

// DedupKey generates a deterministic key from the given parts using BLAKE2b
// hashing. Identical parts produce identical keys, which lets the task queue
// suppress duplicate work.
func DedupKey(parts ...string) string {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
