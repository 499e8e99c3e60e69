package activitystore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// contentHash joins parts with a separator unlikely to appear in any of
// them and sha256-hashes the result, matching the source system's
// per-entity hash functions (activity/store/models.py) used both for
// write-time dedup and backup-import UPSERT matching.
func contentHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func promptBatchHash(sessionID string, promptNumber int) string {
	return contentHash(sessionID, fmt.Sprintf("%d", promptNumber))
}

func activityHash(sessionID string, unixTimestamp int64, toolName string) string {
	return contentHash(sessionID, fmt.Sprintf("%d", unixTimestamp), toolName)
}

func observationHash(observation, memoryType, context string) string {
	return contentHash(observation, memoryType, context)
}

func resolutionEventHash(observationID, action, sourceMachineID, supersededBy string) string {
	return contentHash(observationID, action, sourceMachineID, supersededBy)
}
