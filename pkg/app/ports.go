package app

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time. An empty or unparsable NowISO result is a
// DependencyFailure at the call site, never silently replaced with time.Now.
type Clock interface {
	NowISO() string
}

// UTCClock is the production Clock, emitting RFC 3339 timestamps with
// millisecond precision in UTC.
type UTCClock struct{}

func (UTCClock) NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// IDGenerator abstracts identifier generation. An empty result is a
// DependencyFailure at the call site.
type IDGenerator interface {
	GenerateID() string
}

// UUIDGenerator is the production IDGenerator backed by random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) GenerateID() string {
	return uuid.NewString()
}

// Authorizer decides whether the caller may perform an action. A false
// result maps to Forbidden; an error maps to DependencyFailure.
type Authorizer interface {
	IsAllowed(ctx context.Context, appCtx Context, action string) (bool, error)
}
