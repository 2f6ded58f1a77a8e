package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"callguard/internal/calls"
)

var (
	ErrMissingAudio = errors.New("ingress: call message has no audio locator")
	ErrUnknownType  = errors.New("ingress: unknown message type")
	ErrInvalid      = errors.New("ingress: invalid message")
)

// Type is the kind of a push or socket message.
type Type string

const (
	TypeIncomingCall Type = "incoming_call"
	TypeRecording    Type = "recording"
	TypeAudio        Type = "audio"
	TypeEndStream    Type = "end_stream"
)

// Message is the envelope delivered by push messaging and the notification socket.
//
// Calls carry their audio as url; older senders put the locator in payload.
type Message struct {
	Type    Type   `json:"type"`
	CallID  string `json:"call_id,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	URL     string `json:"url,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// Decode parses one JSON message and normalizes its fields.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return m.normalize(), nil
}

func (m Message) normalize() Message {
	m.Type = Type(strings.ToLower(strings.TrimSpace(string(m.Type))))
	m.CallID = strings.TrimSpace(m.CallID)
	m.From = strings.TrimSpace(m.From)
	// Recipients are usernames, which are stored lowercase.
	m.To = strings.ToLower(strings.TrimSpace(m.To))
	m.URL = strings.TrimSpace(m.URL)
	m.Payload = strings.TrimSpace(m.Payload)
	return m
}

// StartsCall reports whether m opens a new call session.
func (m Message) StartsCall() bool {
	return m.Type == TypeIncomingCall || m.Type == TypeRecording
}

// AudioLocator returns the http(s) locator of the call audio.
func (m Message) AudioLocator() (string, error) {
	for _, v := range []string{m.URL, m.Payload} {
		if v == "" {
			continue
		}
		u, err := url.Parse(v)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		return v, nil
	}
	return "", ErrMissingAudio
}

// CallEvent converts a call-opening message. receivedAt stamps the event.
func (m Message) CallEvent(receivedAt time.Time) (calls.CallEvent, error) {
	if !m.StartsCall() {
		return calls.CallEvent{}, fmt.Errorf("%w: %q does not start a call", ErrUnknownType, m.Type)
	}
	if m.To == "" {
		return calls.CallEvent{}, fmt.Errorf("%w: to is required", ErrInvalid)
	}
	audioURL, err := m.AudioLocator()
	if err != nil {
		return calls.CallEvent{}, err
	}
	return calls.CallEvent{
		CallID:     m.CallID,
		From:       m.From,
		To:         m.To,
		AudioURL:   audioURL,
		ReceivedAt: receivedAt,
	}, nil
}
