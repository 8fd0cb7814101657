// Package observability provides metrics and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrJobStatus = "job_status"
	attrReason    = "reason"
	attrOutcome   = "outcome"
	attrClass     = "class"
	attrEventType = "event_type"
	attrPool      = "pool"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJobStatus, status)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func classAttr(class string) attribute.KeyValue {
	return attribute.String(attrClass, class)
}

func eventTypeAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEventType, eventType)
}

func poolAttr(pool string) attribute.KeyValue {
	return attribute.String(attrPool, pool)
}

// normalizePath replaces dynamic path segments with placeholders.
//
//	/v1/jobs/abc123          -> /v1/jobs/{jobId}
//	/v1/jobs/abc123/progress -> /v1/jobs/{jobId}/progress
//	/v1/scenarios/sc-1/jobs  -> /v1/scenarios/{scenarioId}/jobs
func normalizePath(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[2] == "" {
		return path
	}
	switch parts[1] {
	case "jobs":
		parts[2] = "{jobId}"
	case "scenarios":
		parts[2] = "{scenarioId}"
	default:
		return path
	}
	return "/" + strings.Join(parts, "/")
}
