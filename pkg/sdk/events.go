package sdk

import (
	"time"

	"github.com/nicktill/tinykpi/pkg/event"
)

func at(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

// PageView records that userID was active.
func PageView(userID int64, t time.Time, path string) Event {
	ev := Event{UserID: &userID, EventName: event.NamePageView, EventTime: at(t)}
	if path != "" {
		ev.Meta = map[string]interface{}{"path": path}
	}
	return ev
}

// ChatMessage records a user message to the AI assistant.
func ChatMessage(userID int64, t time.Time, sessionID string) Event {
	return Event{UserID: &userID, EventName: event.NameAIChatUserMessage, EventTime: at(t), SessionID: sessionID}
}

// AssessmentCompleted records a finished self-assessment (a check-in).
func AssessmentCompleted(userID int64, t time.Time) Event {
	return Event{UserID: &userID, EventName: event.NameSelfAssessmentCompleted, EventTime: at(t)}
}

// RiskDetected records a risk signal. source is event.SourceChat or
// event.SourceAssessment and feeds the summary breakdown.
func RiskDetected(userID int64, t time.Time, level event.Level, source string) Event {
	ev := Event{UserID: &userID, EventName: event.NameRiskDetected, EventTime: at(t), Level: string(level)}
	if source != "" {
		ev.Meta = map[string]interface{}{event.MetaSource: source}
	}
	return ev
}
