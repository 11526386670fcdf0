// Package outbox implements the transactional outbox: domain events are
// enqueued durably in the same unit of work as the state change that
// produced them, then delivered asynchronously by a dispatcher with bounded
// retry. Entries are never deleted; Published and Failed are terminal.
package outbox

import "github.com/45ck/Portarium-sub006/pkg/events"

// Status is the closed set of outbox entry states.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusPublished Status = "Published"
	StatusFailed    Status = "Failed"
)

// Delivery bounds, per the control plane's dispatch policy.
const (
	MaxRetries       = 10
	DefaultBatchSize = 50
)

// Entry is one undelivered (or delivered, or parked) domain event.
// EntryID is assigned by the store at enqueue time. Only the dispatcher
// mutates status and retry bookkeeping.
type Entry struct {
	EntryID        string            `json:"entryId"`
	Event          events.CloudEvent `json:"event"`
	Status         Status            `json:"status"`
	RetryCount     int               `json:"retryCount"`
	NextRetryAtISO string            `json:"nextRetryAtIso,omitempty"`
	FailedReason   string            `json:"failedReason,omitempty"`
}
