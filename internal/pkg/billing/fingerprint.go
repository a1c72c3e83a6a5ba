package billing

import (
	"crypto/sha256"
	"encoding/hex"
)

// unreadablePayloadPrefix marks ledger rows whose body could not be read. The
// request id is appended so the unique hash index never folds two of them.
const unreadablePayloadPrefix = "unreadable:"

// Fingerprint returns the hex SHA-256 digest of the raw request bytes.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// UnreadablePayloadHash is the sentinel payload hash for an unreadable body.
func UnreadablePayloadHash(requestID string) string {
	return unreadablePayloadPrefix + requestID
}
