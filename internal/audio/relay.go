package audio

import (
	"context"

	"callguard/internal/notify"
)

// Publisher delivers notices to a recipient's clients.
type Publisher interface {
	Publish(n notify.Notice) int
}

// Relay renders cues on the recipient's connected clients by pushing audio notices.
type Relay struct {
	pub Publisher
}

func NewRelay(pub Publisher) *Relay { return &Relay{pub: pub} }

func (r *Relay) Play(ctx context.Context, p Playback) <-chan error {
	return r.send(ctx, "play", p)
}

func (r *Relay) Stop(ctx context.Context, p Playback) <-chan error {
	return r.send(ctx, "stop", p)
}

func (r *Relay) send(ctx context.Context, action string, p Playback) <-chan error {
	if err := ctx.Err(); err != nil {
		return Done(err)
	}
	n := notify.Notice{
		Kind:   notify.KindAudio,
		CallID: p.CallID,
		To:     p.To,
		Audio: &notify.AudioCue{
			Action: action,
			Cue:    string(p.Cue),
			Source: p.Source,
			Loop:   p.Loop,
		},
	}
	if r.pub.Publish(n) == 0 {
		return Done(ErrNoListener)
	}
	return Done(nil)
}
