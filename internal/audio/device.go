// Package audio models the call's audio outputs (ringtone, call audio, alarm).
//
// Every operation returns a result channel that yields at most one error and is
// then closed, so callers can wait, select, or drop the result without nesting
// callbacks.
package audio

import (
	"context"
	"errors"
)

type Cue string

const (
	CueRingtone Cue = "ringtone"
	CueCall     Cue = "call"
	CueAlarm    Cue = "alarm"
)

// Playback identifies one sound for one session.
type Playback struct {
	CallID string
	To     string
	Cue    Cue
	// Source is a remote locator for CueCall; bundled cues leave it empty.
	Source string
	Loop   bool
}

// Device plays and stops sounds.
// Implementations must not block; the work completes behind the returned channel.
type Device interface {
	Play(ctx context.Context, p Playback) <-chan error
	Stop(ctx context.Context, p Playback) <-chan error
}

// ErrNoListener means no client was around to render the cue.
var ErrNoListener = errors.New("audio: no listener")

// Done returns an already-completed result.
func Done(err error) <-chan error {
	ch := make(chan error, 1)
	if err != nil {
		ch <- err
	}
	close(ch)
	return ch
}

// Wait blocks until the result is available or ctx ends.
func Wait(ctx context.Context, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
