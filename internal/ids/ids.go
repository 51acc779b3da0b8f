// Package ids provides the identifier primitives used across the bridge:
// canonical UUIDs, rendered as hex-with-dashes, for inbox records, and
// sortable ULIDs for outbound message and envelope correlation, where
// lexicographic ordering by creation time is useful for logs and
// delivery-ack matching.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a new canonical UUID string ("xxxxxxxx-xxxx-...")
// used to address inbox records.
func NewMessageID() string {
	return uuid.NewString()
}

// ParseMessageID validates that s parses as a UUID and returns its
// canonical hex-with-dashes form. Besides the canonical form, uuid.Parse
// also accepts the braced, "urn:uuid:"-prefixed and undashed forms.
func ParseMessageID(s string) (string, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// NewOutboundID returns a ULID used to correlate an outbound message with
// its eventual delivery_ack/delivery_nack event. now defaults to the
// current time when zero.
func NewOutboundID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return NewRandomHex(16)
	}
	return id.String()
}

// NewEnvelopeID returns a ULID for a bridge notification envelope.
func NewEnvelopeID(now time.Time) string {
	return NewOutboundID(now)
}

// NewRandomHex returns a cryptographically secure random hex string of
// length 2*nBytes, used as a fallback when ULID generation fails.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
