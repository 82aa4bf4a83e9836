// Package checksum fingerprints mutation batches and inbox files.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/starford/veritas/internal/models"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Batch returns a digest of the batch content. BaseVersion is excluded so a
// rebased retry of the same batch keeps its fingerprint.
func Batch(m models.Mutations) (string, error) {
	m.BaseVersion = 0
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("checksum: marshal batch: %w", err)
	}
	return Sum(data), nil
}
