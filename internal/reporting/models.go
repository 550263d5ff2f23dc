package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics, optionally narrowed
// to one campaign purpose (e.g. "sales", "jobs").
type CallsSummaryRequest struct {
	Range   TimeRange `json:"range"`
	Purpose string    `json:"purpose,omitempty"`
}

type CallsSummary struct {
	Purpose string `json:"purpose,omitempty"`

	TotalCalls      int `json:"total_calls"`
	InboundCalls    int `json:"inbound_calls"`
	OutboundCalls   int `json:"outbound_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	ActiveCalls     int `json:"active_calls"`
	PausedCalls     int `json:"paused_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls    int `json:"recorded_calls"`
	TranscribedCalls int `json:"transcribed_calls"`

	// ConnectRate is answered calls over attempted calls. Attempted excludes
	// calls still ringing or queued; they have no outcome yet.
	ConnectRate float64 `json:"connect_rate"`
}
