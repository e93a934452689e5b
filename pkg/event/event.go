// Package event defines the stored telemetry event and the vocabulary the
// aggregators understand.
package event

import (
	"time"

	"github.com/goccy/go-json"
)

// Well-known event names. The store accepts any name.
const (
	NamePageView                = "page_view"
	NameAIChatUserMessage       = "ai_chat_user_message"
	NameSelfAssessmentCompleted = "self_assessment_completed"
	NameRiskDetected            = "risk_detected"
)

// StatusOK is the default status. Only ok events count toward metrics.
const StatusOK = "ok"

// Level grades a risk_detected event.
type Level string

const (
	LevelMild     Level = "mild"
	LevelModerate Level = "moderate"
	LevelRisk     Level = "risk"
	LevelHighRisk Level = "high_risk"
)

// RiskLevels lists the levels rollups count, in column order.
var RiskLevels = []Level{LevelMild, LevelModerate, LevelRisk, LevelHighRisk}

// Metadata "source" tag values read by the summary query. Producers of
// risk_detected events set metadata {"source": "chat"|"assessment"}.
const (
	MetaSource       = "source"
	SourceChat       = "chat"
	SourceAssessment = "assessment"
)

// Event is one immutable occurrence.
type Event struct {
	ID             int64           `json:"id"`
	UserID         *int64          `json:"userId,omitempty"`
	Name           string          `json:"eventName"`
	Time           time.Time       `json:"eventTime"`
	Status         string          `json:"status"`
	Level          Level           `json:"level,omitempty"`
	SessionID      string          `json:"sessionId,omitempty"`
	Channel        string          `json:"channel,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Metadata       json.RawMessage `json:"meta"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// OK reports whether the event counts toward metrics.
func (e Event) OK() bool {
	return e.Status == StatusOK
}

// Source returns metadata.source, or "" when absent or not a string.
func (e Event) Source() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	var meta struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(e.Metadata, &meta); err != nil {
		return ""
	}
	return meta.Source
}
