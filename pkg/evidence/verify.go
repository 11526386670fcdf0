package evidence

// Verification failure reasons. The verifier reports the first offending
// entry and stops; it never repairs or continues past a failure.
const (
	ReasonPreviousHashMismatch  = "previous_hash_mismatch"
	ReasonHashMismatch          = "hash_mismatch"
	ReasonTimestampNotMonotonic = "timestamp_not_monotonic"
	ReasonSignatureInvalid      = "signature_invalid"
)

// VerifyResult reports chain integrity. When OK is false, Index identifies
// the first offending entry and Reason one of the Reason* constants.
type VerifyResult struct {
	OK     bool   `json:"ok"`
	Index  int    `json:"index,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func failAt(i int, reason string) VerifyResult {
	return VerifyResult{OK: false, Index: i, Reason: reason}
}

// VerifyChain checks a full chain in a single pass. An empty or single-entry
// chain always verifies. verifier may be nil; entries without a signature are
// accepted without a signature check either way.
//
// The hash recomputation alone catches any field tampering, including a
// tampered PreviousHash, because PreviousHash is part of the hashed content.
// The explicit link check still runs first so a re-linked (structurally
// edited) chain reports previous_hash_mismatch rather than hash_mismatch.
func VerifyChain(entries []Entry, hasher Hasher, verifier SignatureVerifier) VerifyResult {
	for i := range entries {
		e := entries[i]

		if i == 0 {
			if e.PreviousHash != "" {
				return failAt(0, ReasonPreviousHashMismatch)
			}
		} else {
			if e.PreviousHash != entries[i-1].HashSHA256 {
				return failAt(i, ReasonPreviousHashMismatch)
			}
			if e.OccurredAtISO < entries[i-1].OccurredAtISO {
				return failAt(i, ReasonTimestampNotMonotonic)
			}
		}

		raw, err := CanonicalBytes(e)
		if err != nil {
			return failAt(i, ReasonHashMismatch)
		}
		if hasher.SHA256Hex(raw) != e.HashSHA256 {
			return failAt(i, ReasonHashMismatch)
		}

		if verifier != nil && e.SignatureBase64 != "" {
			if !verifier.Verify([]byte(e.HashSHA256), e.SignatureBase64) {
				return failAt(i, ReasonSignatureInvalid)
			}
		}
	}
	return VerifyResult{OK: true}
}
