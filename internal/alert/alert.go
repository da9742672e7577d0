// Package alert delivers operational alerts (scaling and agent health
// recommendations) to chat platforms.
package alert

import (
	"context"
	"time"
)

// Severity orders alerts for display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind categorizes alerts. Kinds double as the deduplication namespace.
type Kind string

const (
	KindScaling     Kind = "scaling"
	KindAgentHealth Kind = "agent_health"
	KindDigest      Kind = "digest"
)

// Alert is a platform-neutral notification.
type Alert struct {
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	AgentID   string    `json:"agent_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers alerts to one platform.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a *Alert) error
	Close() error
}

// color is the attachment/embed color of a severity.
func (s Severity) color() int {
	switch s {
	case SeverityCritical:
		return 0xD0021B
	case SeverityWarning:
		return 0xF5A623
	default:
		return 0x4A90E2
	}
}
