// Package events defines the CloudEvents-compatible envelope carried by the
// outbox. Only the envelope and its delivery guarantees are owned here; the
// business payload inside Data is opaque to the backbone.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SpecVersion is the CloudEvents spec version every envelope declares.
const SpecVersion = "1.0"

// TypePrefix namespaces every event type emitted by the control plane.
const TypePrefix = "com.portarium."

// CloudEvent is the wire envelope. tenantid and correlationid are CloudEvents
// extension attributes, lowercase per the extension naming rules.
type CloudEvent struct {
	SpecVersion   string          `json:"specversion"`
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	TenantID      string          `json:"tenantid"`
	CorrelationID string          `json:"correlationid"`
	Subject       string          `json:"subject,omitempty"`
	Time          string          `json:"time,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Params collects what New needs to mint an envelope.
type Params struct {
	EventID       string
	Source        string
	EventType     string // bare type, e.g. "RunStarted"; the com.portarium. prefix is applied here
	TenantID      string
	CorrelationID string
	Subject       string
	OccurredAtISO string
	Data          interface{}
}

// New constructs a validated envelope. The event type is prefixed unless the
// caller already namespaced it.
func New(p Params) (CloudEvent, error) {
	eventType := p.EventType
	if !strings.HasPrefix(eventType, TypePrefix) {
		eventType = TypePrefix + eventType
	}

	var data json.RawMessage
	if p.Data != nil {
		raw, err := json.Marshal(p.Data)
		if err != nil {
			return CloudEvent{}, fmt.Errorf("events: marshal data: %w", err)
		}
		data = raw
	}

	ev := CloudEvent{
		SpecVersion:   SpecVersion,
		ID:            p.EventID,
		Source:        p.Source,
		Type:          eventType,
		TenantID:      p.TenantID,
		CorrelationID: p.CorrelationID,
		Subject:       p.Subject,
		Time:          p.OccurredAtISO,
		Data:          data,
	}
	if err := Validate(ev); err != nil {
		return CloudEvent{}, err
	}
	return ev, nil
}
