//go:build property
// +build property

package evidence

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: for any chain and any single-field mutation of any entry,
// verification fails at exactly the mutated index.
func TestChainTamperDetectionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	hasher := SHA256Hasher{}

	buildFromSummaries := func(summaries []string) []Entry {
		entries := make([]Entry, 0, len(summaries))
		var prev *Entry
		for i, s := range summaries {
			e, err := Append(prev, Content{
				EvidenceID:    fmt.Sprintf("ev-%d", i),
				WorkspaceID:   "ws-prop",
				CorrelationID: "corr-prop",
				OccurredAtISO: fmt.Sprintf("2026-02-16T00:%02d:%02d.000Z", i/60, i%60),
				Category:      CategorySystem,
				Summary:       s,
				Actor:         Actor{Kind: "System"},
			}, hasher)
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			entries = append(entries, e)
			prev = &entries[len(entries)-1]
		}
		return entries
	}

	properties.Property("any summary mutation is detected at its index", prop.ForAll(
		func(summaries []string, idx int, replacement string) bool {
			if len(summaries) == 0 {
				return true
			}
			i := idx % len(summaries)
			if i < 0 {
				i = -i
			}
			chain := buildFromSummaries(summaries)
			if chain[i].Summary == replacement {
				return true // not a mutation
			}
			chain[i].Summary = replacement

			res := VerifyChain(chain, hasher, nil)
			return !res.OK && res.Index == i && res.Reason == ReasonHashMismatch
		},
		gen.SliceOf(gen.AlphaString()),
		gen.Int(),
		gen.AlphaString(),
	))

	properties.Property("untampered chains always verify", prop.ForAll(
		func(summaries []string) bool {
			return VerifyChain(buildFromSummaries(summaries), hasher, nil).OK
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
