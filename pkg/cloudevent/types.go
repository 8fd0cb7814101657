// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender.
package cloudevent

import "time"

// SpecVersion is the CloudEvents version produced by this package.
const SpecVersion = "1.0"

// CloudEvent represents a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a JSON CloudEvent stamped with the given time.
func New(eventType, source, subject, id string, at time.Time, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            at.UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
