package calls

import "time"

// CallEvent is one inbound call notification. It is consumed once by Machine.Start
// and never mutated.
type CallEvent struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	// AudioURL locates the call's audio. Calls without one cannot be classified.
	AudioURL string `json:"audio_url,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// State is the position of a session in the verdict state machine.
type State string

const (
	StateRinging          State = "ringing"
	StateAccepted         State = "accepted"
	StateStaging          State = "staging"
	StateClassifying      State = "classifying"
	StateUnresolved       State = "unresolved"
	StateResolvedVerified State = "resolved_verified"
	StateResolvedFake     State = "resolved_fake"
	StateDeclined         State = "declined"
)

// Resolved reports whether s carries a verdict.
func (s State) Resolved() bool {
	return s == StateResolvedVerified || s == StateResolvedFake
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool { return s == StateDeclined }

// rank orders states for the forward-only rule. Unresolved and the two
// resolved states are siblings after Classifying.
func (s State) rank() int {
	switch s {
	case StateRinging:
		return 0
	case StateAccepted:
		return 1
	case StateStaging:
		return 2
	case StateClassifying:
		return 3
	case StateUnresolved, StateResolvedVerified, StateResolvedFake:
		return 4
	case StateDeclined:
		return 5
	default:
		return -1
	}
}

// Verdict is the classifier outcome for a call's audio.
type Verdict string

const (
	VerdictReal Verdict = "real"
	VerdictFake Verdict = "fake"
)

// EndReason explains how a session reached StateDeclined.
type EndReason string

const (
	EndDeclined      EndReason = "declined"
	EndHangup        EndReason = "hangup"
	EndStagingFailed EndReason = "staging_failed"
	EndAutoHangup    EndReason = "auto_hangup"
	EndPlaybackEnded EndReason = "playback_ended"
	EndShutdown      EndReason = "shutdown"
)

// Snapshot is a read-only view of a session.
type Snapshot struct {
	CallID   string `json:"call_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	AudioURL string `json:"audio_url,omitempty"`

	State State `json:"state"`
	// Verdict is set only while the session sits in a resolved state.
	Verdict *Verdict `json:"verdict,omitempty"`
	// Outcome is the verdict an ended session had reached, if any.
	Outcome *Verdict  `json:"outcome,omitempty"`
	Failure string    `json:"failure,omitempty"`
	Reason  EndReason `json:"end_reason,omitempty"`

	// Staged reports whether local audio is currently held for this session.
	Staged bool `json:"staged"`

	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}
