package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callguard/internal/calls"
)

// CallDriver is the part of the call state machine ingress drives.
type CallDriver interface {
	Start(ctx context.Context, ev calls.CallEvent) (calls.Snapshot, error)
	PlaybackEnded(ctx context.Context, callID string) (calls.Snapshot, error)
	Current(to string) (calls.Snapshot, bool)
}

// Outcome describes what a dispatched message did.
type Outcome struct {
	Type    Type
	Ignored bool
	Call    *calls.Snapshot
}

// Dispatcher routes ingress messages to the call state machine.
// Push and socket deliveries share it, so both behave the same.
type Dispatcher struct {
	Calls  CallDriver
	Logger *slog.Logger
	Now    func() time.Time
}

func NewDispatcher(driver CallDriver, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{Calls: driver, Logger: log.With("component", "ingress"), Now: time.Now}
}

// Dispatch handles one message.
//
// incoming_call and recording start a session and require an audio locator.
// end_stream ends the named call, or the recipient's live call when no id is
// given. audio frames are not handled here and are ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, m Message) (Outcome, error) {
	m = m.normalize()
	out := Outcome{Type: m.Type}

	switch m.Type {
	case TypeIncomingCall, TypeRecording:
		ev, err := m.CallEvent(d.Now())
		if err != nil {
			d.Logger.Warn("call message rejected", "type", m.Type, "to", m.To, "err", err)
			return out, err
		}
		snap, err := d.Calls.Start(ctx, ev)
		if err != nil {
			return out, err
		}
		out.Call = &snap
		return out, nil

	case TypeEndStream:
		callID := m.CallID
		if callID == "" {
			cur, ok := d.Calls.Current(m.To)
			if !ok {
				out.Ignored = true
				return out, nil
			}
			callID = cur.CallID
		}
		snap, err := d.Calls.PlaybackEnded(ctx, callID)
		if err != nil {
			return out, err
		}
		out.Call = &snap
		return out, nil

	case TypeAudio:
		out.Ignored = true
		return out, nil

	default:
		return out, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}
