package main

import (
	"github.com/45ck/Portarium-sub006/pkg/config"
	"github.com/45ck/Portarium-sub006/pkg/outbox"
)

// dispatchLimits is the operating envelope derived from tenant profiles. The
// dispatcher and the idempotency cleanup are process-wide, so the strictest
// bound across all profiles wins; zero means the profile did not set one.
type dispatchLimits struct {
	OutboxBatchSize      int
	PublishPerSecond     float64
	IdempotencyRetention int
}

// strictestLimits folds every profile into one envelope, keeping the smallest
// positive value per bound.
func strictestLimits(profiles map[string]*config.TenantProfile) dispatchLimits {
	var out dispatchLimits
	for _, p := range profiles {
		if n := p.Limits.OutboxBatchSize; n > 0 && (out.OutboxBatchSize == 0 || n < out.OutboxBatchSize) {
			out.OutboxBatchSize = n
		}
		if r := p.Limits.PublishPerSecond; r > 0 && (out.PublishPerSecond == 0 || r < out.PublishPerSecond) {
			out.PublishPerSecond = r
		}
		days := p.Retention.IdempotencyDays
		if days == 0 {
			days = p.Limits.IdempotencyTTLDay
		}
		if days > 0 && (out.IdempotencyRetention == 0 || days < out.IdempotencyRetention) {
			out.IdempotencyRetention = days
		}
	}
	return out
}

// dispatcherOptions translates the envelope into dispatcher options.
func (l dispatchLimits) dispatcherOptions() []outbox.DispatcherOption {
	var opts []outbox.DispatcherOption
	if l.OutboxBatchSize > 0 {
		opts = append(opts, outbox.WithBatchSize(l.OutboxBatchSize))
	}
	if l.PublishPerSecond > 0 {
		burst := int(l.PublishPerSecond)
		if burst < 1 {
			burst = 1
		}
		opts = append(opts, outbox.WithPublishRateLimit(l.PublishPerSecond, burst))
	}
	return opts
}
