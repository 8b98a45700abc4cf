// Package idem derives deterministic idempotency keys so retried or
// duplicate triggers collapse to a single job. Keys are always derived from
// immutable identifiers or canonicalized payloads, never from mutable state;
// uniqueness is enforced at the storage layer.
package idem

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// keyLen is the hex length of derived keys. 64 bits of hash is plenty for
// collision resistance at this system's job volumes.
const keyLen = 16

// FromID derives a key from a semantic identifier such as
// ("approval", approvalID) or ("phasegen", projectID, "2").
func FromID(parts ...string) string {
	return digest([]byte(strings.Join(parts, ":")))
}

// FromPayload derives a key from a prefix plus a payload document. Payloads
// that are logically identical but differ in key order produce the same key:
// encoding/json emits map keys in sorted order at every nesting level, which
// gives canonical bytes without an explicit sort pass.
func FromPayload(prefix string, payload map[string]any) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	return digest(append([]byte(prefix+":"), canonical...)), nil
}

// MinuteBucket formats t truncated to the minute, for scheduler-trigger keys
// so repeated cron fires inside one minute collapse to one sweep job.
func MinuteBucket(t time.Time) string {
	return t.UTC().Truncate(time.Minute).Format("200601021504")
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:keyLen]
}
