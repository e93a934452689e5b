package event

// Metric is a name-specific counter the aggregators maintain. Metrics that
// count any event (active users, retention returns) are not listed here.
type Metric int

const (
	MetricNone Metric = iota
	MetricAssistantActive
	MetricCheckin
	MetricRisk
)

func (m Metric) String() string {
	switch m {
	case MetricAssistantActive:
		return "assistant_active"
	case MetricCheckin:
		return "checkin"
	case MetricRisk:
		return "risk"
	default:
		return "none"
	}
}

// registry is the single mapping from event names to metrics. Adding a
// metric means adding a line here and a column in the rollup; ingestion is
// untouched.
var registry = map[string]Metric{
	NameAIChatUserMessage:       MetricAssistantActive,
	NameSelfAssessmentCompleted: MetricCheckin,
	NameRiskDetected:            MetricRisk,
}

// Classify returns the metric an event name feeds, or MetricNone.
func Classify(name string) Metric {
	return registry[name]
}

// Known reports whether any metric consumes name.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// RequiresLevel reports whether events named name must carry a level.
func RequiresLevel(name string) bool {
	return Classify(name) == MetricRisk
}
