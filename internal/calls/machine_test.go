package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-bridge/internal/audit"
	"call-bridge/internal/media"
	"call-bridge/internal/telephony"
	"call-bridge/pkg/logger"
)

type fakeSignaler struct {
	acceptErr   error
	redirectErr error
	acceptDelay time.Duration
	// declineGate, when set, holds Decline until it is closed.
	declineGate chan struct{}

	mu        sync.Mutex
	accepted  []string
	declined  []string
	redirects []string
	hangups   []string
}

func (f *fakeSignaler) AcceptInvite(ctx context.Context, sessionID, partyID, offer string, pc media.PeerConnection, track *media.AudioTrack) error {
	if f.acceptDelay > 0 {
		time.Sleep(f.acceptDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, sessionID)
	return nil
}

func (f *fakeSignaler) Decline(ctx context.Context, sessionID, partyID, reason string) error {
	if f.declineGate != nil {
		select {
		case <-f.declineGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, sessionID)
	return nil
}

func (f *fakeSignaler) Redirect(ctx context.Context, sessionID, partyID, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redirectErr != nil {
		return f.redirectErr
	}
	f.redirects = append(f.redirects, sessionID+"->"+target)
	return nil
}

func (f *fakeSignaler) Hangup(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sessionID)
	return nil
}

func (f *fakeSignaler) snapshot() (accepted, declined, redirects, hangups []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...), append([]string(nil), f.declined...),
		append([]string(nil), f.redirects...), append([]string(nil), f.hangups...)
}

type fakeRelay struct {
	startErr error

	mu      sync.Mutex
	started []string
	stops   map[string]int
}

func (f *fakeRelay) Start(ctx context.Context, callID string, sink media.FrameSink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, callID)
	return nil
}

func (f *fakeRelay) Stop(callID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stops == nil {
		f.stops = map[string]int{}
	}
	f.stops[callID]++
}

func (f *fakeRelay) stopCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[callID]
}

func (f *fakeRelay) startedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	started []string
	ended   []CallRecord
}

func (f *fakeNotifier) CallStarted(ctx context.Context, rec CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, rec.CallID)
	return nil
}

func (f *fakeNotifier) CallEnded(ctx context.Context, rec CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, rec)
	return nil
}

type fakeSlots struct {
	allow bool
	err   error

	mu       sync.Mutex
	released []string
}

func (f *fakeSlots) Acquire(ctx context.Context, callID string) (bool, error) {
	return f.allow, f.err
}

func (f *fakeSlots) Release(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callID)
	return nil
}

func (f *fakeSlots) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func invite(sessionID string) telephony.SessionEvent {
	return telephony.SessionEvent{
		SessionID: sessionID,
		Parties: []telephony.Party{{
			ID:        "p-" + sessionID,
			Direction: telephony.DirectionInbound,
			Status:    telephony.StatusProceeding,
			From:      telephony.Endpoint{PhoneNumber: "+15551230000"},
			To:        telephony.Endpoint{PhoneNumber: "+15559870000"},
		}},
	}
}

func hangupEvent(sessionID string) telephony.SessionEvent {
	return telephony.SessionEvent{
		SessionID: sessionID,
		Parties:   []telephony.Party{{ID: "p-" + sessionID, Status: telephony.StatusDisconnected, Reason: "CallerHangup"}},
	}
}

type fixture struct {
	m      *Machine
	sig    *fakeSignaler
	relay  *fakeRelay
	notify *fakeNotifier
	audit  *audit.MemoryRepo
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		sig:    &fakeSignaler{},
		relay:  &fakeRelay{},
		notify: &fakeNotifier{},
		audit:  audit.NewMemoryRepo(),
	}
	opts := Options{
		MaxConcurrent:   5,
		CallTimeout:     time.Minute,
		AnswerTimeout:   time.Second,
		RequestTimeout:  time.Second,
		VoicemailTarget: "vm-101",
		Signaler:        f.sig,
		Relay:           f.relay,
		Notifier:        f.notify,
		Audit:           audit.NewService(f.audit),
		Logger:          logger.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.m = NewMachine(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.m.Shutdown(ctx)
	})
	return f
}

func (f *fixture) waitState(t *testing.T, callID string, want State) Summary {
	t.Helper()
	var got Summary
	require.Eventually(t, func() bool {
		s, err := f.m.Get(context.Background(), callID)
		if err != nil {
			return false
		}
		got = s
		return s.State == want
	}, 2*time.Second, 5*time.Millisecond, "call %s never reached %s", callID, want)
	return got
}

func (f *fixture) waitDeclined(t *testing.T, sessionIDs ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, declined, _, _ := f.sig.snapshot()
		return assert.ObjectsAreEqual(sessionIDs, declined)
	}, 2*time.Second, 5*time.Millisecond, "decline requests never matched %v", sessionIDs)
}

func TestMachine_AnswersInviteAndStartsRelay(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s := f.waitState(t, id, StateActive)
	assert.False(t, s.Degraded)
	assert.Equal(t, "+15551230000", s.From)
	assert.NotNil(t, s.AnsweredAt)
	assert.NotNil(t, s.Stats)
	assert.Equal(t, 1, f.m.Size())
	require.Eventually(t, func() bool { return len(f.relay.startedCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, f.relay.startedCalls())

	callID, pc, ok := f.m.Peer("s-1")
	require.True(t, ok)
	assert.Equal(t, id, callID)
	assert.NotNil(t, pc)

	require.Eventually(t, func() bool {
		f.notify.mu.Lock()
		defer f.notify.mu.Unlock()
		return len(f.notify.started) == 1
	}, time.Second, 5*time.Millisecond)

	evs, err := audit.NewService(f.audit).EventsForCall(context.Background(), id)
	require.NoError(t, err)
	var states []string
	for _, ev := range evs {
		states = append(states, ev.ToState)
	}
	assert.Equal(t, []string{"ringing", "answering", "active"}, states)
}

func TestMachine_DeclinesBeyondCapacity(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, err := f.m.HandleInvite(ctx, invite(fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
		f.waitState(t, id, StateActive)
	}

	id, err := f.m.HandleInvite(ctx, invite("s-overflow"))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 5, f.m.Size())

	_, _, ok := f.m.Peer("s-overflow")
	assert.False(t, ok, "declined call must not be registered")

	s, err := f.m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDeclined, s.State)

	f.waitDeclined(t, "s-overflow")
	assert.Equal(t, uint64(1), f.m.Metrics().Declined)
}

func TestMachine_ConcurrentInvitesRespectCapacity(t *testing.T) {
	f := newFixture(t, nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.m.HandleInvite(context.Background(), invite(fmt.Sprintf("c-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrCapacityExceeded) {
				rejected++
			} else if err == nil {
				admitted++
			}
			assert.LessOrEqual(t, f.m.Size(), 5)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 35, rejected)
	assert.Equal(t, 5, f.m.Size())
}

func TestMachine_RelayFailureKeepsCallActive(t *testing.T) {
	f := newFixture(t, nil)
	f.relay.startErr = errors.New("relay: channel unavailable")

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.m.Get(context.Background(), id)
		return err == nil && s.State == StateActive && s.Degraded
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), f.m.Metrics().Degraded)
	assert.Equal(t, 1, f.m.Size())
}

func TestMachine_MissingRelayIsDegraded(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Relay = nil })

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, err := f.m.Get(context.Background(), id)
		return err == nil && s.State == StateActive && s.Degraded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMachine_CallTimeoutClosesCall(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.CallTimeout = 50 * time.Millisecond })

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)

	s := f.waitState(t, id, StateClosed)
	assert.Equal(t, "call timeout", s.EndReason)
	assert.NotNil(t, s.EndedAt)
	assert.Equal(t, 0, f.m.Size())
	assert.Equal(t, 1, f.relay.stopCount(id))

	_, _, _, hangups := f.sig.snapshot()
	assert.Equal(t, []string{"s-1"}, hangups)

	require.Eventually(t, func() bool {
		f.notify.mu.Lock()
		defer f.notify.mu.Unlock()
		return len(f.notify.ended) == 1 && f.notify.ended[0].State == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestMachine_AnswerFailureRedirectsToVoicemail(t *testing.T) {
	f := newFixture(t, nil)
	f.sig.acceptErr = errors.New("signaling: answer rejected")

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)

	s := f.waitState(t, id, StateVoicemail)
	assert.Contains(t, s.EndReason, "answering failed")
	assert.Equal(t, 0, f.m.Size())
	assert.Empty(t, f.relay.startedCalls())

	_, _, redirects, _ := f.sig.snapshot()
	assert.Equal(t, []string{"s-1->vm-101"}, redirects)
	assert.Equal(t, uint64(1), f.m.Metrics().Voicemail)
}

func TestMachine_RedirectFailureDeclines(t *testing.T) {
	f := newFixture(t, nil)
	f.sig.acceptErr = errors.New("signaling: answer rejected")
	f.sig.redirectErr = errors.New("signaling: redirect rejected")

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)

	f.waitState(t, id, StateDeclined)
	f.waitDeclined(t, "s-1")
}

func TestMachine_RemoteEndClosesWithoutHangup(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)
	f.waitState(t, id, StateActive)

	assert.True(t, f.m.HandleSessionUpdate(hangupEvent("s-1")))
	s := f.waitState(t, id, StateClosed)
	assert.Equal(t, "CallerHangup", s.EndReason)

	_, _, _, hangups := f.sig.snapshot()
	assert.Empty(t, hangups)
	assert.Equal(t, 1, f.relay.stopCount(id))
	assert.False(t, f.m.HandleSessionUpdate(hangupEvent("s-1")), "closed call is no longer tracked")
}

func TestMachine_OperatorHangup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.m.Hangup(ctx, "missing", "ops"), ErrCallNotFound)

	id, err := f.m.HandleInvite(ctx, invite("s-1"))
	require.NoError(t, err)
	f.waitState(t, id, StateActive)

	require.NoError(t, f.m.Hangup(ctx, id, "ops-7"))
	s, err := f.m.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s.State)

	var actors []string
	for _, ev := range f.audit.Events() {
		if ev.Type == audit.EventTypeOperatorAction {
			actors = append(actors, ev.ActorUserID)
		}
	}
	assert.Equal(t, []string{"ops-7"}, actors)
}

func TestMachine_RepeatedInviteReturnsExistingCall(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.m.HandleInvite(ctx, invite("s-1"))
	require.NoError(t, err)
	second, err := f.m.HandleInvite(ctx, invite("s-1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.m.Size())
	assert.Equal(t, uint64(1), f.m.Metrics().Total)
}

func TestMachine_RejectsNonInvite(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.m.HandleInvite(context.Background(), hangupEvent("s-1"))
	assert.ErrorIs(t, err, ErrNotInvite)
	assert.Equal(t, 0, f.m.Size())
}

func TestMachine_ShutdownEndsLiveCalls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := f.m.HandleInvite(ctx, invite(fmt.Sprintf("s-%d", i)))
		require.NoError(t, err)
		f.waitState(t, id, StateActive)
		ids = append(ids, id)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.m.Shutdown(sctx))

	assert.Equal(t, 0, f.m.Size())
	for _, id := range ids {
		s, err := f.m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateClosed, s.State)
		assert.Equal(t, 1, f.relay.stopCount(id))
	}
}

func TestMachine_ClusterSlots(t *testing.T) {
	t.Run("denied slot declines", func(t *testing.T) {
		slots := &fakeSlots{allow: false}
		f := newFixture(t, func(o *Options) { o.Slots = slots })

		id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
		require.NoError(t, err)
		s := f.waitState(t, id, StateDeclined)
		assert.Equal(t, "cluster capacity exceeded", s.EndReason)
		assert.Equal(t, 0, f.m.Size())
		assert.Equal(t, 0, slots.releasedCount())
		f.waitDeclined(t, "s-1")
		accepted, _, _, _ := f.sig.snapshot()
		assert.Empty(t, accepted)
		assert.EqualValues(t, 1, f.m.Metrics().Declined)
	})

	t.Run("slot released when call ends", func(t *testing.T) {
		slots := &fakeSlots{allow: true}
		f := newFixture(t, func(o *Options) { o.Slots = slots })

		id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
		require.NoError(t, err)
		f.waitState(t, id, StateActive)
		require.NoError(t, f.m.Hangup(context.Background(), id, "ops"))
		assert.Equal(t, 1, slots.releasedCount())
	})

	t.Run("limiter errors fall back to local cap", func(t *testing.T) {
		slots := &fakeSlots{err: errors.New("redis: connection refused")}
		f := newFixture(t, func(o *Options) { o.Slots = slots })

		id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
		require.NoError(t, err)
		f.waitState(t, id, StateActive)
	})
}

func TestMachine_SlowDeclineDoesNotHoldOtherCalls(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.MaxConcurrent = 1
		o.RequestTimeout = 3 * time.Second
	})
	gate := make(chan struct{})
	f.sig.declineGate = gate
	defer close(gate)

	id1, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)
	f.waitState(t, id1, StateActive)

	start := time.Now()
	id2, err := f.m.HandleInvite(context.Background(), invite("s-2"))
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "invite handling waited on the decline reply")
	f.waitState(t, id2, StateDeclined)

	require.True(t, f.m.HandleSessionUpdate(hangupEvent("s-1")))
	f.waitState(t, id1, StateClosed)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "teardown waited on another call's decline")
}

func TestMachine_TimeoutDuringAnsweringEndsCallOnceActive(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.CallTimeout = 50 * time.Millisecond
		o.AnswerTimeout = time.Second
	})
	f.sig.acceptDelay = 150 * time.Millisecond

	id, err := f.m.HandleInvite(context.Background(), invite("s-1"))
	require.NoError(t, err)

	s := f.waitState(t, id, StateClosed)
	assert.Equal(t, "call timeout", s.EndReason)
	assert.NotNil(t, s.AnsweredAt)
	_, _, _, hangups := f.sig.snapshot()
	assert.Equal(t, []string{"s-1"}, hangups)
	assert.Equal(t, 1, f.relay.stopCount(id))
}

func TestMachine_GetUnknownCall(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCallNotFound)
}
