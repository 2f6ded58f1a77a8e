package history

import "time"

// Prediction is the stored verdict label.
type Prediction string

const (
	PredictionReal Prediction = "real"
	PredictionFake Prediction = "fake"

	// predictionVerified is a legacy label written by older clients; it counts as real.
	predictionVerified Prediction = "verified"
)

// Record is the persisted outcome of one resolved call session.
//
// Records are append-only. The call pipeline writes exactly one per resolved
// session and never reads it back; history screens read them by recipient.
type Record struct {
	ID           string     `json:"id" db:"id"`
	CallID       string     `json:"call_id" db:"call_id"`
	From         string     `json:"from" db:"caller"`
	To           string     `json:"to" db:"recipient"`
	RecordingURL string     `json:"recordingUrl" db:"recording_url"`
	Timestamp    time.Time  `json:"timestamp" db:"resolved_at"`
	Prediction   Prediction `json:"prediction" db:"prediction"`
}

// CallerCount is one row of the top-callers table.
type CallerCount struct {
	From  string `json:"from"`
	Count int    `json:"count"`
}

// Insights summarizes a recipient's call history.
type Insights struct {
	To         string        `json:"to"`
	Total      int           `json:"total"`
	Real       int           `json:"real"`
	Fake       int           `json:"fake"`
	TopCallers []CallerCount `json:"top_callers"`
}
