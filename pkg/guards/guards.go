// Package guards holds the pure invariant predicates evaluated before any
// mutation. A guard takes a candidate plus a read-only snapshot and returns
// nil when the command may proceed, or a Violation describing the conflict.
// Guards never perform I/O; snapshot freshness is the caller's concern and
// snapshots read outside the transaction must be re-validated inside it.
package guards

import "fmt"

// Violation is a guard rejection. Code distinguishes the invariant that
// failed; Message is operator-readable.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Violation codes.
const (
	CodeMultipleActiveVersions = "multiple_active_versions"
	CodeTargetNotActive        = "target_not_active"
	CodeNoActiveAdapter        = "no_active_adapter"
	CodeMultipleActiveAdapters = "multiple_active_adapters"
	CodeIdentifierExists       = "identifier_exists"
)

// WorkflowVariant is the slice of a workflow record a version guard needs.
type WorkflowVariant struct {
	WorkflowID string
	Active     bool
}

// SingleActiveVersion checks that among all variants sharing one logical
// name, at most one is active, and that the targeted variant is that active
// one. The two failure modes carry distinct messages so operators can tell a
// corrupted catalog from a stale reference.
func SingleActiveVersion(targetWorkflowID string, variants []WorkflowVariant) *Violation {
	activeCount := 0
	targetActive := false
	for _, v := range variants {
		if v.Active {
			activeCount++
			if v.WorkflowID == targetWorkflowID {
				targetActive = true
			}
		}
	}

	if activeCount > 1 {
		return &Violation{
			Code:    CodeMultipleActiveVersions,
			Message: fmt.Sprintf("multiple active versions exist for this workflow name (%d active)", activeCount),
		}
	}
	if !targetActive {
		return &Violation{
			Code:    CodeTargetNotActive,
			Message: fmt.Sprintf("workflow %s is not the active version", targetWorkflowID),
		}
	}
	return nil
}

// AdapterRegistration is the slice of a registration record the capability
// guard needs.
type AdapterRegistration struct {
	RegistrationID string
	Capability     string
	Enabled        bool
}

// SingleActiveAdapterPerCapability checks that each required capability
// resolves to exactly one enabled registration in the workspace: zero is a
// missing adapter, more than one is ambiguous routing.
func SingleActiveAdapterPerCapability(required []string, registrations []AdapterRegistration) *Violation {
	enabledByCapability := make(map[string]int)
	for _, r := range registrations {
		if r.Enabled {
			enabledByCapability[r.Capability]++
		}
	}

	for _, capability := range required {
		switch n := enabledByCapability[capability]; {
		case n == 0:
			return &Violation{
				Code:    CodeNoActiveAdapter,
				Message: fmt.Sprintf("no active adapter for capability %q", capability),
			}
		case n > 1:
			return &Violation{
				Code:    CodeMultipleActiveAdapters,
				Message: fmt.Sprintf("multiple active adapters for capability %q (%d enabled)", capability, n),
			}
		}
	}
	return nil
}

// IdentifierUnique rejects a freshly generated identifier that already
// resolves to an existing record. exists reflects a lookup done in the same
// logical operation as the insert; a storage-level unique constraint remains
// the authority under concurrency.
func IdentifierUnique(id string, exists bool) *Violation {
	if exists {
		return &Violation{
			Code:    CodeIdentifierExists,
			Message: fmt.Sprintf("identifier %s already exists", id),
		}
	}
	return nil
}
