package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"callguard/internal/audio"
	"callguard/internal/history"
	"callguard/internal/notify"
	"callguard/internal/staging"
	"callguard/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// journal is the shared, ordered log of side effects issued by the machine.
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

func (j *journal) count(e string) int {
	n := 0
	for _, x := range j.all() {
		if x == e {
			n++
		}
	}
	return n
}

func (j *journal) index(e string) int {
	for i, x := range j.all() {
		if x == e {
			return i
		}
	}
	return -1
}

type fakeStager struct {
	j    *journal
	err  error
	gate chan struct{}

	mu       sync.Mutex
	staged   int
	released []string
}

func (f *fakeStager) Stage(ctx context.Context, callID, url string) (staging.File, error) {
	f.mu.Lock()
	f.staged++
	f.mu.Unlock()
	f.j.add("stage")
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return staging.File{}, f.err
	}
	return staging.File{Path: "/staging/" + callID + ".mp3", ContentType: "audio/mpeg", Name: "call_audio.mp3"}, nil
}

func (f *fakeStager) Release(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, path)
	f.j.add("release")
	return nil
}

func (f *fakeStager) stagedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staged
}

type fakeClassifier struct {
	j    *journal
	real bool
	err  error
	gate chan struct{}
	done chan struct{}

	mu    sync.Mutex
	paths []string
}

func (f *fakeClassifier) Classify(ctx context.Context, path, contentType, filename string) (bool, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	f.j.add("classify")
	if f.done != nil {
		defer close(f.done)
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.real, f.err
}

func (f *fakeClassifier) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeSink struct {
	j  *journal
	mu sync.Mutex
	r  []history.Record
}

func (f *fakeSink) Submit(rec history.Record) {
	f.mu.Lock()
	f.r = append(f.r, rec)
	f.mu.Unlock()
	f.j.add("record:" + string(rec.Prediction))
}

func (f *fakeSink) records() []history.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Record(nil), f.r...)
}

type fakeDevice struct {
	j       *journal
	playErr error
}

func (f *fakeDevice) Play(ctx context.Context, p audio.Playback) <-chan error {
	f.j.add("play:" + string(p.Cue))
	return audio.Done(f.playErr)
}

func (f *fakeDevice) Stop(ctx context.Context, p audio.Playback) <-chan error {
	f.j.add("stop:" + string(p.Cue))
	return audio.Done(nil)
}

type fakeNotices struct {
	j  *journal
	mu sync.Mutex
	n  []notify.Notice
}

func (f *fakeNotices) Publish(n notify.Notice) int {
	f.mu.Lock()
	f.n = append(f.n, n)
	f.mu.Unlock()
	f.j.add("notice:" + string(n.Kind))
	return 1
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.pending = append(c.pending, t)
	return t
}

// fire runs timers that are still armed.
func (c *fakeClock) fire() {
	c.fireWhere(func(t *fakeTimer) bool { return !t.stopped && !t.fired })
}

// fireStale runs every timer, including stopped ones, to mimic a callback racing Stop.
func (c *fakeClock) fireStale() {
	c.fireWhere(func(t *fakeTimer) bool { return true })
}

func (c *fakeClock) fireWhere(pick func(*fakeTimer) bool) {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.pending {
		if pick(t) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) timers() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.pending...)
}

type fakeLock struct {
	deny     bool
	err      error
	mu       sync.Mutex
	held     map[string]bool
	releases int
}

func (l *fakeLock) Acquire(ctx context.Context, to string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.deny || l.held[to] {
		return false, nil
	}
	if l.held == nil {
		l.held = map[string]bool{}
	}
	l.held[to] = true
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, to)
	l.releases++
	return nil
}

type harness struct {
	j          *journal
	stager     *fakeStager
	classifier *fakeClassifier
	sink       *fakeSink
	device     *fakeDevice
	notices    *fakeNotices
	clock      *fakeClock
	m          *Machine
}

type harnessOpt func(*harness, *Options)

// async runs background work on goroutines instead of inline.
func async() harnessOpt {
	return func(_ *harness, o *Options) { o.Go = nil }
}

func withLock(l LineLock) harnessOpt {
	return func(_ *harness, o *Options) { o.Lock = l }
}

func newHarness(t testing.TB, opts ...harnessOpt) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:          j,
		stager:     &fakeStager{j: j},
		classifier: &fakeClassifier{j: j, real: true},
		sink:       &fakeSink{j: j},
		device:     &fakeDevice{j: j},
		notices:    &fakeNotices{j: j},
		clock:      &fakeClock{now: time.Unix(1700000000, 0).UTC()},
	}
	o := Options{
		FakeHangupDelay: 5000 * time.Millisecond,
		Logger:          logger.Discard(),
		Now:             h.clock.Now,
		AfterFunc:       h.clock.AfterFunc,
		Go:              func(f func()) { f() },
	}
	for _, fn := range opts {
		fn(h, &o)
	}
	m, err := NewMachine(Deps{
		Stager:     h.stager,
		Classifier: h.classifier,
		Records:    h.sink,
		Audio:      h.device,
		Notices:    h.notices,
	}, o)
	require.NoError(t, err)
	h.m = m
	return h
}

func aliceCall(id string) CallEvent {
	return CallEvent{CallID: id, From: "Alice", To: "bob", AudioURL: "http://x/call.mp3"}
}

func TestMachine_RealVerdictResolvesVerified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.m.Start(ctx, aliceCall("c1"))
	require.NoError(t, err)
	assert.Equal(t, StateRinging, snap.State)
	assert.Equal(t, 1, h.j.count("play:ringtone"))

	snap, err = h.m.Accept(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateStaging, snap.State, "accept reports staging before network work completes")

	snap, err = h.m.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, StateResolvedVerified, snap.State)
	require.NotNil(t, snap.Verdict)
	assert.Equal(t, VerdictReal, *snap.Verdict)

	recs := h.sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, history.PredictionReal, recs[0].Prediction)
	assert.Equal(t, "Alice", recs[0].From)
	assert.Equal(t, "bob", recs[0].To)
	assert.Equal(t, "http://x/call.mp3", recs[0].RecordingURL)

	assert.Equal(t, 0, h.j.count("play:alarm"))
	assert.Empty(t, h.clock.timers())
	assert.Equal(t, 1, h.j.count("stop:ringtone"))
	assert.Equal(t, 1, h.j.count("play:call"))
	assert.Equal(t, 0, h.j.count("stop:call"), "verified call keeps playing")
	assert.Equal(t, []string{"/staging/c1.mp3"}, h.classifier.calls())
}

func TestMachine_FakeVerdictAlarmsAndAutoHangsUp(t *testing.T) {
	h := newHarness(t)
	h.classifier.real = false
	ctx := context.Background()

	_, err := h.m.Start(ctx, aliceCall("c1"))
	require.NoError(t, err)
	_, err = h.m.Accept(ctx, "c1")
	require.NoError(t, err)

	snap, _ := h.m.Get("c1")
	assert.Equal(t, StateResolvedFake, snap.State)
	require.NotNil(t, snap.Verdict)
	assert.Equal(t, VerdictFake, *snap.Verdict)

	recs := h.sink.records()
	require.Len(t, recs, 1)
	assert.Equal(t, history.PredictionFake, recs[0].Prediction)
	assert.Equal(t, 1, h.j.count("play:alarm"))
	assert.Equal(t, 1, h.j.count("stop:call"))
	assert.Equal(t, 1, h.j.count("notice:alert"))

	rec, alarm, alert := h.j.index("record:fake"), h.j.index("play:alarm"), h.j.index("notice:alert")
	assert.True(t, rec < alarm && rec < alert, "record must be issued before alarm and alert: %v", h.j.all())

	timers := h.clock.timers()
	require.Len(t, timers, 1)
	assert.Equal(t, 5*time.Second, timers[0].d)

	h.clock.fire()

	snap, _ = h.m.Get("c1")
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, EndAutoHangup, snap.Reason)
	assert.Nil(t, snap.Verdict)
	require.NotNil(t, snap.Outcome)
	assert.Equal(t, VerdictFake, *snap.Outcome)
	assert.False(t, snap.Staged)
	assert.Equal(t, []string{"/staging/c1.mp3"}, h.stager.released)
	assert.Equal(t, 1, h.j.count("notice:ended"))
	assert.Len(t, h.sink.records(), 1)
}

func TestMachine_ManualHangupBeforeAutoHangup(t *testing.T) {
	h := newHarness(t)
	h.classifier.real = false
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, _ = h.m.Accept(ctx, "c1")

	snap, err := h.m.Decline(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, EndHangup, snap.Reason)

	timers := h.clock.timers()
	require.Len(t, timers, 1)
	assert.True(t, timers[0].stopped, "pending auto hang-up must be cancelled")

	// a timer callback that raced the cancel must not change anything
	h.clock.fireStale()
	snap, _ = h.m.Get("c1")
	assert.Equal(t, EndHangup, snap.Reason)
	assert.Equal(t, 1, h.j.count("notice:ended"))
}

func TestMachine_DeclineWhileRinging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	snap, err := h.m.Decline(ctx, "c1")
	require.NoError(t, err)

	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, EndDeclined, snap.Reason)
	assert.Equal(t, 1, h.j.count("stop:ringtone"))
	assert.Equal(t, 0, h.stager.stagedCount())
	assert.Empty(t, h.classifier.calls())
	assert.Empty(t, h.sink.records())
}

func TestMachine_DeclineIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, _ = h.m.Accept(ctx, "c1")
	_, err := h.m.Decline(ctx, "c1")
	require.NoError(t, err)
	before := h.j.all()

	snap, err := h.m.Decline(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, before, h.j.all(), "second decline must have no side effects")
	assert.Equal(t, 1, h.j.count("stop:call"))
	assert.Equal(t, 1, h.j.count("release"))
}

func TestMachine_StagingFailureDeclines(t *testing.T) {
	h := newHarness(t)
	h.stager.err = fmt.Errorf("%w: fetch returned status 500", staging.ErrFailed)
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, err := h.m.Accept(ctx, "c1")
	require.NoError(t, err)

	snap, _ := h.m.Get("c1")
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, EndStagingFailed, snap.Reason)
	assert.Empty(t, h.classifier.calls(), "classification requires staged audio")
	assert.Empty(t, h.sink.records())
	assert.Equal(t, 1, h.j.count("notice:error"))
	assert.Equal(t, 1, h.j.count("stop:call"))
}

func TestMachine_ClassificationFailureLeavesUnresolved(t *testing.T) {
	h := newHarness(t)
	h.classifier.err = errors.New("classification failed: request: timeout")
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, _ = h.m.Accept(ctx, "c1")

	snap, _ := h.m.Get("c1")
	assert.Equal(t, StateUnresolved, snap.State)
	assert.Nil(t, snap.Verdict)
	assert.Contains(t, snap.Failure, "timeout")
	assert.True(t, snap.Staged)
	assert.Empty(t, h.sink.records())
	assert.Equal(t, 0, h.j.count("play:alarm"))
	assert.Empty(t, h.clock.timers())
	assert.Equal(t, 1, h.j.count("notice:error"))

	// accept again is a no-op; only decline ends it
	snap, _ = h.m.Accept(ctx, "c1")
	assert.Equal(t, StateUnresolved, snap.State)

	snap, _ = h.m.Decline(ctx, "c1")
	assert.Equal(t, StateDeclined, snap.State)
	assert.False(t, snap.Staged)
	assert.Equal(t, []string{"/staging/c1.mp3"}, h.stager.released)
}

func TestMachine_LateClassifierResultIsIgnored(t *testing.T) {
	h := newHarness(t, async())
	h.classifier.gate = make(chan struct{})
	h.classifier.done = make(chan struct{})
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, _ = h.m.Accept(ctx, "c1")

	require.Eventually(t, func() bool {
		s, _ := h.m.Get("c1")
		return s.State == StateClassifying
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.m.Decline(ctx, "c1")
	require.NoError(t, err)

	close(h.classifier.gate)
	<-h.classifier.done

	// give the callback a moment to take the lock and bail out
	require.Never(t, func() bool { return len(h.sink.records()) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	snap, _ := h.m.Get("c1")
	assert.Equal(t, StateDeclined, snap.State)
	assert.Nil(t, snap.Verdict)
	assert.Equal(t, 1, h.j.count("notice:ended"))
}

func TestMachine_LateStagingResultIsReleased(t *testing.T) {
	h := newHarness(t, async())
	h.stager.gate = make(chan struct{})
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, _ = h.m.Accept(ctx, "c1")
	require.Eventually(t, func() bool { return h.stager.stagedCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, _ = h.m.Decline(ctx, "c1")
	close(h.stager.gate)

	require.Eventually(t, func() bool { return h.j.count("release") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.classifier.calls())
}

func TestMachine_AcceptOnlyFromRinging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	_, _ = h.m.Decline(ctx, "c1")
	snap, err := h.m.Accept(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, 0, h.stager.stagedCount())

	_, err = h.m.Accept(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMachine_PlaybackEnded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	snap, err := h.m.PlaybackEnded(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateRinging, snap.State, "no call audio before accept")

	_, _ = h.m.Accept(ctx, "c1")
	snap, err = h.m.PlaybackEnded(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, EndPlaybackEnded, snap.Reason)
}

func TestMachine_OneLiveCallPerRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Start(ctx, aliceCall("c1"))
	require.NoError(t, err)

	_, err = h.m.Start(ctx, aliceCall("c1"))
	assert.ErrorIs(t, err, ErrDuplicateCall)

	_, err = h.m.Start(ctx, aliceCall("c2"))
	assert.ErrorIs(t, err, ErrLineBusy)

	other := aliceCall("c3")
	other.To = "carol"
	_, err = h.m.Start(ctx, other)
	assert.NoError(t, err, "other recipients are independent")

	cur, ok := h.m.Current("bob")
	require.True(t, ok)
	assert.Equal(t, "c1", cur.CallID)

	_, _ = h.m.Decline(ctx, "c1")
	_, ok = h.m.Current("bob")
	assert.False(t, ok)

	_, err = h.m.Start(ctx, aliceCall("c2"))
	require.NoError(t, err)
	_, err = h.m.Get("c1")
	assert.ErrorIs(t, err, ErrNotFound, "a new call resets the recipient's ended sessions")
}

func TestMachine_StartValidatesAndGeneratesID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.m.Start(ctx, CallEvent{From: "Alice"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	snap, err := h.m.Start(ctx, CallEvent{From: "Alice", To: "bob"})
	require.NoError(t, err)
	assert.NotEmpty(t, snap.CallID)

	// without an audio locator the call can ring but not be staged
	_, _ = h.m.Accept(ctx, snap.CallID)
	assert.Equal(t, 0, h.j.count("play:call"))
}

func TestMachine_RingtoneFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.device.playErr = audio.ErrNoListener
	ctx := context.Background()

	snap, err := h.m.Start(ctx, aliceCall("c1"))
	require.NoError(t, err)
	assert.Equal(t, StateRinging, snap.State)

	_, _ = h.m.Accept(ctx, "c1")
	snap, _ = h.m.Get("c1")
	assert.Equal(t, StateResolvedVerified, snap.State)
}

func TestMachine_LineLock(t *testing.T) {
	lock := &fakeLock{}
	h := newHarness(t, withLock(lock))
	ctx := context.Background()

	_, err := h.m.Start(ctx, aliceCall("c1"))
	require.NoError(t, err)
	_, _ = h.m.Decline(ctx, "c1")
	assert.Equal(t, 1, lock.releases)

	lock.deny = true
	_, err = h.m.Start(ctx, aliceCall("c2"))
	assert.ErrorIs(t, err, ErrLineBusy)

	lock.deny = false
	lock.err = errors.New("redis down")
	_, err = h.m.Start(ctx, aliceCall("c3"))
	assert.NoError(t, err, "an unavailable lock falls back to the local check")
}

func TestMachine_ShutdownEndsLiveSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.m.Start(ctx, aliceCall("c1"))
	h.m.Shutdown(ctx)

	snap, _ := h.m.Get("c1")
	assert.Equal(t, StateDeclined, snap.State)
	assert.Equal(t, EndShutdown, snap.Reason)
}

func TestNewMachine_RequiresDeps(t *testing.T) {
	_, err := NewMachine(Deps{}, Options{})
	assert.Error(t, err)
}
