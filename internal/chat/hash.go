package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// ParticipantHash canonicalizes a participant alias set: sort
// case-sensitively, dedupe, join, hash. Its only purpose is uniqueness of
// (project_id, participant_hash) in the store; it is never exposed as an
// external identifier.
func ParticipantHash(aliases []string) string {
	sorted := make([]string, len(aliases))
	copy(sorted, aliases)
	sort.Strings(sorted)

	dedup := sorted[:0]
	for i, a := range sorted {
		if i == 0 || a != sorted[i-1] {
			dedup = append(dedup, a)
		}
	}
	h := sha256.Sum256([]byte(strings.Join(dedup, ",")))
	return hex.EncodeToString(h[:])
}
