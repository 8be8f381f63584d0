// Package idempotency derives deterministic dedup keys for event appends.
// Keys are Hash(correlationID|eventType|scheduledAt) so that retried calls
// land on the same event row instead of producing a duplicate.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Key builds the natural dedup key for an event append. scheduledAt is
// truncated to the minute so minor clock drift between retries cannot split
// one logical event into two keys. A zero scheduledAt (lifecycle events) is
// encoded as an empty component.
func Key(correlationID, eventType string, scheduledAt time.Time) string {
	ts := ""
	if !scheduledAt.IsZero() {
		ts = scheduledAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	}

	data := strings.Join([]string{correlationID, eventType, ts}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
