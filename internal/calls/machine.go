package calls

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"callguard/internal/audio"
	"callguard/internal/history"
	"callguard/internal/notify"
	"callguard/internal/staging"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("calls: session not found")
	ErrDuplicateCall = errors.New("calls: call already started")
	ErrLineBusy      = errors.New("calls: recipient already on a call")
	ErrInvalidEvent  = errors.New("calls: invalid call event")
)

const (
	fakeAlertTitle   = "Fake Call Detected"
	fakeAlertMessage = "This appears to be a spoofed voice."
)

// Stager copies remote call audio to a private local file.
type Stager interface {
	Stage(ctx context.Context, callID, url string) (staging.File, error)
	Release(path string) error
}

// Classifier returns true when the staged audio is a real voice.
type Classifier interface {
	Classify(ctx context.Context, path, contentType, filename string) (bool, error)
}

// RecordSink accepts verdict records without waiting for them to persist.
type RecordSink interface {
	Submit(rec history.Record)
}

// Publisher pushes notices to the recipient's clients. It must not block.
type Publisher interface {
	Publish(n notify.Notice) int
}

// Timer is the handle of a scheduled auto hang-up.
type Timer interface {
	Stop() bool
}

// Deps are the collaborators a Machine drives.
type Deps struct {
	Stager     Stager
	Classifier Classifier
	Records    RecordSink
	Audio      audio.Device
	Notices    Publisher
}

type Options struct {
	// FakeHangupDelay is the time between a fake verdict and the forced hang-up.
	FakeHangupDelay time.Duration
	// RetainEnded bounds how long ended sessions stay queryable.
	RetainEnded time.Duration

	Lock    LineLock
	Metrics *Metrics
	Logger  *slog.Logger

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
	// Go runs background work (staging, classification, lock release).
	Go func(f func())
}

type session struct {
	ev CallEvent

	state   State
	verdict *Verdict
	// outcome keeps the verdict after the session has ended.
	outcome *Verdict
	failure string
	reason  EndReason

	file     staging.File
	playing  *audio.Playback
	timer    Timer
	lineHeld bool

	ctx    context.Context
	cancel context.CancelFunc

	startedAt time.Time
	updatedAt time.Time
	endedAt   *time.Time
}

// Machine drives incoming calls from ringing to a verdict.
//
// Sessions are keyed by call id. A recipient has at most one live session;
// ended sessions stay in the registry until the recipient's next call or
// until RetainEnded passes.
//
// All transitions and their side effects run under one mutex, so per-session
// events are strictly ordered. Network work runs outside the lock and its
// result is dropped if the session has moved on in the meantime.
type Machine struct {
	deps Deps
	opts Options
	log  *slog.Logger

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	lines    map[string]string
}

func NewMachine(deps Deps, opts Options) (*Machine, error) {
	if deps.Stager == nil || deps.Classifier == nil || deps.Records == nil || deps.Audio == nil || deps.Notices == nil {
		return nil, errors.New("calls: stager, classifier, records, audio and notices are required")
	}
	if opts.FakeHangupDelay <= 0 {
		opts.FakeHangupDelay = 5 * time.Second
	}
	if opts.RetainEnded <= 0 {
		opts.RetainEnded = time.Hour
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}

	base, stop := context.WithCancel(context.Background())
	return &Machine{
		deps:     deps,
		opts:     opts,
		log:      opts.Logger.With("component", "calls"),
		base:     base,
		stop:     stop,
		sessions: map[string]*session{},
		lines:    map[string]string{},
	}, nil
}

// Start opens a session for ev in StateRinging and starts the ringtone.
// A missing call id is generated. A ringtone failure is logged only.
func (m *Machine) Start(ctx context.Context, ev CallEvent) (Snapshot, error) {
	ev.To = strings.TrimSpace(ev.To)
	ev.AudioURL = strings.TrimSpace(ev.AudioURL)
	if ev.To == "" {
		return Snapshot{}, ErrInvalidEvent
	}
	if ev.CallID == "" {
		ev.CallID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = m.opts.Now()
	}

	if err := m.checkLine(ev); err != nil {
		return Snapshot{}, err
	}

	held := false
	if m.opts.Lock != nil {
		ok, err := m.opts.Lock.Acquire(ctx, ev.To)
		switch {
		case err != nil:
			m.log.Warn("line lock unavailable, continuing with local check", "to", ev.To, "err", err)
		case !ok:
			return Snapshot{}, ErrLineBusy
		default:
			held = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLineLocked(ev); err != nil {
		if held {
			m.releaseLine(ev.To)
		}
		return Snapshot{}, err
	}
	m.evictLocked(ev.To)

	now := m.opts.Now()
	sctx, cancel := context.WithCancel(m.base)
	s := &session{
		ev:        ev,
		state:     StateRinging,
		lineHeld:  held,
		ctx:       sctx,
		cancel:    cancel,
		startedAt: now,
		updatedAt: now,
	}
	m.sessions[ev.CallID] = s
	m.lines[ev.To] = ev.CallID
	m.opts.Metrics.started.Inc()

	m.log.Info("incoming call", "call_id", ev.CallID, "from", ev.From, "to", ev.To)
	m.publishState(s)
	m.playLocked(s, audio.Playback{CallID: ev.CallID, To: ev.To, Cue: audio.CueRingtone, Loop: true})

	return s.snapshot(), nil
}

// Accept answers a ringing call: the ringtone stops, call audio starts and
// staging begins in the background. The returned snapshot already shows
// StateStaging. Accept is a no-op in any other state.
func (m *Machine) Accept(ctx context.Context, callID string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	if s.state != StateRinging {
		snap := s.snapshot()
		m.mu.Unlock()
		return snap, nil
	}

	m.stopAudioLocked(s)
	m.transition(s, StateAccepted)
	if s.ev.AudioURL != "" {
		m.playLocked(s, audio.Playback{CallID: callID, To: s.ev.To, Cue: audio.CueCall, Source: s.ev.AudioURL})
	}
	m.transition(s, StateStaging)

	sctx, url := s.ctx, s.ev.AudioURL
	snap := s.snapshot()
	m.mu.Unlock()

	m.opts.Go(func() { m.stage(sctx, callID, url) })
	return snap, nil
}

// Decline ends the session from any live state. It is idempotent: a second
// call returns the ended snapshot with no further side effects.
func (m *Machine) Decline(ctx context.Context, callID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	reason := EndHangup
	if s.state == StateRinging {
		reason = EndDeclined
	}
	m.endLocked(s, reason)
	return s.snapshot(), nil
}

// PlaybackEnded ends an answered call whose audio has finished playing.
// Before the call is answered there is no call audio, so it is a no-op.
func (m *Machine) PlaybackEnded(ctx context.Context, callID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if s.state != StateRinging {
		m.endLocked(s, EndPlaybackEnded)
	}
	return s.snapshot(), nil
}

// Get returns the session for callID.
func (m *Machine) Get(callID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.snapshot(), nil
}

// Current returns the recipient's live session, if any.
func (m *Machine) Current(to string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.lines[to]
	if !ok {
		return Snapshot{}, false
	}
	return m.sessions[id].snapshot(), true
}

// Shutdown ends every live session and cancels in-flight work.
func (m *Machine) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, s := range m.sessions {
		m.endLocked(s, EndShutdown)
	}
	m.mu.Unlock()
	m.stop()
}

func (m *Machine) stage(ctx context.Context, callID, url string) {
	file, err := m.deps.Stager.Stage(ctx, callID, url)

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.state != StateStaging {
		m.mu.Unlock()
		if err == nil {
			m.log.Debug("late staging result dropped", "call_id", callID)
			if rerr := m.deps.Stager.Release(file.Path); rerr != nil {
				m.log.Warn("release staged audio failed", "call_id", callID, "err", rerr)
			}
		}
		return
	}
	if err != nil {
		m.opts.Metrics.stagingFailed.Inc()
		m.log.Warn("staging failed", "call_id", callID, "err", err)
		m.publishLocked(s, notify.Notice{Kind: notify.KindError, Title: "Call failed", Message: "Could not fetch the call audio."})
		m.endLocked(s, EndStagingFailed)
		m.mu.Unlock()
		return
	}

	s.file = file
	m.transition(s, StateClassifying)
	m.mu.Unlock()

	m.classify(ctx, callID, file)
}

func (m *Machine) classify(ctx context.Context, callID string, file staging.File) {
	isReal, err := m.deps.Classifier.Classify(ctx, file.Path, file.ContentType, file.Name)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if !ok || s.state != StateClassifying {
		m.log.Debug("late classifier result dropped", "call_id", callID)
		return
	}
	if err != nil {
		m.opts.Metrics.classifyFailed.Inc()
		m.log.Warn("classification failed", "call_id", callID, "err", err)
		s.failure = err.Error()
		m.transition(s, StateUnresolved)
		m.publishLocked(s, notify.Notice{Kind: notify.KindError, Title: "Verdict unavailable", Message: "The call could not be checked. Hang up if in doubt."})
		return
	}

	if isReal {
		m.resolveLocked(s, VerdictReal)
	} else {
		m.resolveLocked(s, VerdictFake)
	}
}

// resolveLocked records the verdict before any alarm or alert is raised.
func (m *Machine) resolveLocked(s *session, v Verdict) {
	verdict := v
	s.verdict = &verdict
	next := StateResolvedVerified
	pred := history.PredictionReal
	if v == VerdictFake {
		next = StateResolvedFake
		pred = history.PredictionFake
	}
	m.transition(s, next)
	m.opts.Metrics.resolved.WithLabelValues(string(v)).Inc()

	m.deps.Records.Submit(history.Record{
		CallID:       s.ev.CallID,
		From:         s.ev.From,
		To:           s.ev.To,
		RecordingURL: s.ev.AudioURL,
		Timestamp:    m.opts.Now(),
		Prediction:   pred,
	})
	m.log.Info("call resolved", "call_id", s.ev.CallID, "verdict", v)

	if v != VerdictFake {
		return
	}

	m.stopAudioLocked(s)
	// The alarm plays once and is left to finish; it is not tracked as the session's sound.
	m.watch(s.ev.CallID, audio.CueAlarm, m.deps.Audio.Play(s.ctx, audio.Playback{CallID: s.ev.CallID, To: s.ev.To, Cue: audio.CueAlarm}))
	m.publishLocked(s, notify.Notice{Kind: notify.KindAlert, Title: fakeAlertTitle, Message: fakeAlertMessage})

	callID := s.ev.CallID
	s.timer = m.opts.AfterFunc(m.opts.FakeHangupDelay, func() { m.autoHangup(callID, s) })
}

func (m *Machine) autoHangup(callID string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[callID]; !ok || cur != s || s.state != StateResolvedFake {
		return
	}
	m.endLocked(s, EndAutoHangup)
}

func (m *Machine) endLocked(s *session, reason EndReason) {
	if s.state.Terminal() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cancel()
	m.stopAudioLocked(s)

	if s.file.Path != "" {
		if err := m.deps.Stager.Release(s.file.Path); err != nil {
			m.log.Warn("release staged audio failed", "call_id", s.ev.CallID, "err", err)
		}
		s.file = staging.File{}
	}

	s.outcome, s.verdict = s.verdict, nil
	s.reason = reason
	m.transition(s, StateDeclined)
	now := m.opts.Now()
	s.endedAt = &now

	if m.lines[s.ev.To] == s.ev.CallID {
		delete(m.lines, s.ev.To)
	}
	if s.lineHeld {
		s.lineHeld = false
		m.releaseLine(s.ev.To)
	}

	m.opts.Metrics.ended.WithLabelValues(string(reason)).Inc()
	m.log.Info("call ended", "call_id", s.ev.CallID, "reason", reason)
	m.publishLocked(s, notify.Notice{Kind: notify.KindEnded, Reason: string(reason)})
}

func (m *Machine) transition(s *session, next State) {
	if next.rank() <= s.state.rank() {
		m.log.Error("illegal transition ignored", "call_id", s.ev.CallID, "from", s.state, "to", next)
		return
	}
	s.state = next
	s.updatedAt = m.opts.Now()
	if next != StateDeclined {
		m.publishState(s)
	}
}

// playLocked makes p the session's only sound.
func (m *Machine) playLocked(s *session, p audio.Playback) {
	m.stopAudioLocked(s)
	m.watch(s.ev.CallID, p.Cue, m.deps.Audio.Play(s.ctx, p))
	s.playing = &p
}

func (m *Machine) stopAudioLocked(s *session) {
	if s.playing == nil {
		return
	}
	p := *s.playing
	s.playing = nil
	// The session context may already be cancelled; stopping must still go out.
	m.watch(s.ev.CallID, p.Cue, m.deps.Audio.Stop(m.base, p))
}

// watch logs a failed audio operation. Playback problems never affect the call.
func (m *Machine) watch(callID string, cue audio.Cue, res <-chan error) {
	go func() {
		if err := <-res; err != nil {
			m.log.Warn("playback failed", "call_id", callID, "cue", cue, "err", err)
		}
	}()
}

func (m *Machine) publishState(s *session) {
	m.publishLocked(s, notify.Notice{Kind: notify.KindState, From: s.ev.From, State: string(s.state)})
}

func (m *Machine) publishLocked(s *session, n notify.Notice) {
	n.CallID = s.ev.CallID
	n.To = s.ev.To
	n.At = m.opts.Now().UTC()
	m.deps.Notices.Publish(n)
}

func (m *Machine) releaseLine(to string) {
	m.opts.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.opts.Lock.Release(ctx, to); err != nil {
			m.log.Warn("line lock release failed", "to", to, "err", err)
		}
	})
}

func (m *Machine) checkLine(ev CallEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLineLocked(ev)
}

func (m *Machine) checkLineLocked(ev CallEvent) error {
	if _, ok := m.sessions[ev.CallID]; ok {
		return ErrDuplicateCall
	}
	if _, busy := m.lines[ev.To]; busy {
		return ErrLineBusy
	}
	return nil
}

// evictLocked drops the recipient's ended sessions, and anyone's ended
// sessions older than RetainEnded.
func (m *Machine) evictLocked(to string) {
	cutoff := m.opts.Now().Add(-m.opts.RetainEnded)
	for id, s := range m.sessions {
		if !s.state.Terminal() {
			continue
		}
		if s.ev.To == to || (s.endedAt != nil && s.endedAt.Before(cutoff)) {
			delete(m.sessions, id)
		}
	}
}

func (s *session) snapshot() Snapshot {
	out := Snapshot{
		CallID:    s.ev.CallID,
		From:      s.ev.From,
		To:        s.ev.To,
		AudioURL:  s.ev.AudioURL,
		State:     s.state,
		Failure:   s.failure,
		Reason:    s.reason,
		Staged:    s.file.Path != "",
		StartedAt: s.startedAt,
		UpdatedAt: s.updatedAt,
	}
	if s.verdict != nil {
		v := *s.verdict
		out.Verdict = &v
	}
	if s.outcome != nil {
		v := *s.outcome
		out.Outcome = &v
	}
	if s.endedAt != nil {
		t := *s.endedAt
		out.EndedAt = &t
	}
	return out
}
