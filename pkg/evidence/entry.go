// Package evidence implements the hash-chained, tamper-evident audit log
// appended to by every state-changing command.
//
// Each entry's SHA-256 hash covers the canonical serialization of all of its
// content fields, including the previous entry's hash, so any entry's hash
// depends on the entire prefix of the chain. Appending and verifying are pure
// computations; durability and tail serialization belong to the stores.
package evidence

import (
	"fmt"

	"github.com/45ck/Portarium-sub006/pkg/canonicalize"
)

// SchemaVersion is the current evidence entry schema.
const SchemaVersion = 1

// Category classifies what a chain entry documents.
type Category string

const (
	CategoryCommand  Category = "Command"
	CategoryApproval Category = "Approval"
	CategorySystem   Category = "System"
)

// Actor identifies who caused the entry.
type Actor struct {
	Kind   string `json:"kind"` // "User", "System", "MachineAgent"
	UserID string `json:"userId,omitempty"`
}

// Content holds the caller-supplied fields of an entry, before hashing.
type Content struct {
	EvidenceID    string   `json:"evidenceId"`
	WorkspaceID   string   `json:"workspaceId"`
	CorrelationID string   `json:"correlationId"`
	OccurredAtISO string   `json:"occurredAtIso"`
	Category      Category `json:"category"`
	Summary       string   `json:"summary"`
	Actor         Actor    `json:"actor"`
}

// Entry is one immutable link of an evidence chain. PreviousHash is empty
// only on the first entry of a chain.
type Entry struct {
	SchemaVersion   int      `json:"schemaVersion"`
	EvidenceID      string   `json:"evidenceId"`
	WorkspaceID     string   `json:"workspaceId"`
	CorrelationID   string   `json:"correlationId"`
	OccurredAtISO   string   `json:"occurredAtIso"`
	Category        Category `json:"category"`
	Summary         string   `json:"summary"`
	Actor           Actor    `json:"actor"`
	PreviousHash    string   `json:"previousHash,omitempty"`
	HashSHA256      string   `json:"hashSha256"`
	SignatureBase64 string   `json:"signatureBase64,omitempty"`
}

// hashable is the exact shape fed to the hasher: every field except the hash
// itself and the signature. Key order is irrelevant because the bytes are
// canonicalized before hashing.
type hashable struct {
	SchemaVersion int      `json:"schemaVersion"`
	EvidenceID    string   `json:"evidenceId"`
	WorkspaceID   string   `json:"workspaceId"`
	CorrelationID string   `json:"correlationId"`
	OccurredAtISO string   `json:"occurredAtIso"`
	Category      Category `json:"category"`
	Summary       string   `json:"summary"`
	Actor         Actor    `json:"actor"`
	PreviousHash  string   `json:"previousHash,omitempty"`
}

// Hasher is the injected hash function so the chain logic never depends on a
// concrete algorithm.
type Hasher interface {
	SHA256Hex(input []byte) string
}

// Signer optionally signs an entry's hash; the signature travels with the
// entry as SignatureBase64.
type Signer interface {
	Sign(input []byte) (string, error)
}

// SignatureVerifier validates SignatureBase64 against the signed input.
type SignatureVerifier interface {
	Verify(input []byte, signatureBase64 string) bool
}

// CanonicalBytes returns the canonical serialization an entry's hash is
// computed over.
func CanonicalBytes(e Entry) ([]byte, error) {
	return canonicalize.Canonical(hashable{
		SchemaVersion: e.SchemaVersion,
		EvidenceID:    e.EvidenceID,
		WorkspaceID:   e.WorkspaceID,
		CorrelationID: e.CorrelationID,
		OccurredAtISO: e.OccurredAtISO,
		Category:      e.Category,
		Summary:       e.Summary,
		Actor:         e.Actor,
		PreviousHash:  e.PreviousHash,
	})
}

// Append computes the next entry of a chain. prev is nil for chain genesis.
// The returned entry carries prev's hash as PreviousHash and a fresh hash
// over its own canonical content.
func Append(prev *Entry, next Content, hasher Hasher) (Entry, error) {
	entry := Entry{
		SchemaVersion: SchemaVersion,
		EvidenceID:    next.EvidenceID,
		WorkspaceID:   next.WorkspaceID,
		CorrelationID: next.CorrelationID,
		OccurredAtISO: next.OccurredAtISO,
		Category:      next.Category,
		Summary:       next.Summary,
		Actor:         next.Actor,
	}
	if prev != nil {
		entry.PreviousHash = prev.HashSHA256
	}

	raw, err := CanonicalBytes(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("evidence: canonicalize entry %s: %w", next.EvidenceID, err)
	}
	entry.HashSHA256 = hasher.SHA256Hex(raw)
	return entry, nil
}

// Sign attaches a signature over the entry's hash. Entries without a
// signature remain valid; verification only checks signatures that exist.
func Sign(e Entry, signer Signer) (Entry, error) {
	sig, err := signer.Sign([]byte(e.HashSHA256))
	if err != nil {
		return Entry{}, fmt.Errorf("evidence: sign entry %s: %w", e.EvidenceID, err)
	}
	e.SignatureBase64 = sig
	return e, nil
}
