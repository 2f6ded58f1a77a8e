package notify

import "time"

// Kind tags a notice for the client UI.
type Kind string

const (
	KindState Kind = "state"
	KindAlert Kind = "alert"
	KindError Kind = "error"
	KindEnded Kind = "ended"
	KindAudio Kind = "audio"
)

// Notice is one message pushed to a recipient's connected clients.
type Notice struct {
	Kind   Kind   `json:"type"`
	CallID string `json:"call_id"`
	// To routes the notice; clients already know who they are.
	To string `json:"-"`

	From    string `json:"from,omitempty"`
	State   string `json:"state,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Audio *AudioCue `json:"audio,omitempty"`

	At time.Time `json:"at"`
}

// AudioCue asks the client to start or stop a sound.
type AudioCue struct {
	Action string `json:"action"`
	Cue    string `json:"cue"`
	Source string `json:"source,omitempty"`
	Loop   bool   `json:"loop,omitempty"`
}
