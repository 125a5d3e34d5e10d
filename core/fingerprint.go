package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// ThreatFingerprint derives a stable dedup key from the fields that make two
// submissions "the same threat": the normalized target, the threat type and
// the indicator set. Indicators are sorted so submission order does not change
// the key, and every field is length-delimited so crafted values cannot forge
// field boundaries. The storage layer places a unique constraint on this value for
// live canonical records, closing the check-then-insert race for
// byte-identical candidates; near-duplicates are caught by the correlation
// engine under the per-target lock.
func ThreatFingerprint(targetType TargetType, targetValue string, threatType ThreatType, indicators []string) string {
	sorted := make([]string, len(indicators))
	copy(sorted, indicators)
	sort.Strings(sorted)

	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(string(targetType))
	writeField(NormalizeTargetValue(targetType, targetValue))
	writeField(string(threatType))
	for _, ind := range sorted {
		writeField(ind)
	}

	return hex.EncodeToString(h.Sum(nil))
}
