package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeHash computes the SHA-256 hash for an entry, chaining to PrevHash.
func ComputeHash(e *Entry) string {
	data := fmt.Sprintf("%s|%s|%d|%d|%s|%s|%s|%s|%s",
		e.ID,
		e.SessionID,
		e.Seq,
		e.Timestamp.UnixNano(),
		e.Action,
		string(e.Phase),
		e.Actor,
		metadataJSON(e.Metadata),
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeSessionSeed computes the prev_hash of the first entry in a session.
func ComputeSessionSeed(sessionID string) string {
	hash := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(hash[:])
}

// Seal assigns Seq, PrevHash and Hash to e so that it follows prev. A nil
// prev makes e the first entry of its session.
func Seal(e *Entry, prev *Entry) {
	if prev == nil {
		e.Seq = 1
		e.PrevHash = ComputeSessionSeed(e.SessionID)
	} else {
		e.Seq = prev.Seq + 1
		e.PrevHash = prev.Hash
	}
	e.Hash = ComputeHash(e)
}

// VerifyChain walks one session's entries in order and checks hash integrity.
// Returns (valid, brokenAtIndex). If valid is true, brokenAtIndex is -1.
func VerifyChain(entries []*Entry) (bool, int) {
	for i, e := range entries {
		if e.Hash != ComputeHash(e) {
			return false, i
		}
		if i == 0 {
			if e.PrevHash != ComputeSessionSeed(e.SessionID) {
				return false, i
			}
			continue
		}
		if e.PrevHash != entries[i-1].Hash || e.Seq != entries[i-1].Seq+1 {
			return false, i
		}
	}
	return true, -1
}

// metadataJSON renders metadata deterministically; encoding/json sorts map keys.
func metadataJSON(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(b)
}
