package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"call-bridge/internal/audit"
	"call-bridge/internal/media"
	"call-bridge/internal/telephony"
	"call-bridge/pkg/logger"
)

var (
	// ErrAnsweringFailure wraps anything that stopped a call from becoming
	// active. The call is redirected to voicemail.
	ErrAnsweringFailure = errors.New("calls: answering failed")
	ErrNotInvite        = errors.New("calls: notification has no actionable invite")
	ErrCallNotFound     = errors.New("calls: call not found")
)

// Signaler is the platform side of call control.
type Signaler interface {
	AcceptInvite(ctx context.Context, sessionID, partyID, offer string, pc media.PeerConnection, track *media.AudioTrack) error
	Decline(ctx context.Context, sessionID, partyID, reason string) error
	Redirect(ctx context.Context, sessionID, partyID, target string) error
	Hangup(ctx context.Context, sessionID string) error
}

// Relay carries call audio to and from the AI backend.
type Relay interface {
	Start(ctx context.Context, callID string, sink media.FrameSink) error
	// Stop must be idempotent.
	Stop(callID string)
}

// Notifier tells the AI backend that a call started or ended.
type Notifier interface {
	CallStarted(ctx context.Context, rec CallRecord) error
	CallEnded(ctx context.Context, rec CallRecord) error
}

type MediaFactory func(callID, sessionID string) media.PeerConnection

type Options struct {
	MaxConcurrent   int
	CallTimeout     time.Duration
	AnswerTimeout   time.Duration
	RequestTimeout  time.Duration
	VoicemailTarget string

	Signaler   Signaler
	Relay      Relay
	Notifier   Notifier
	Repository Repository
	Audit      *audit.Service
	Slots      SlotLimiter
	NewMedia   MediaFactory

	Logger *slog.Logger
	Now    func() time.Time
}

// Machine owns the ActiveCallRegistry and drives every call through its states.
type Machine struct {
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	registry *Registry
	wg       sync.WaitGroup

	total     atomic.Uint64
	answered  atomic.Uint64
	declined  atomic.Uint64
	voicemail atomic.Uint64
	completed atomic.Uint64
	degraded  atomic.Uint64
}

func NewMachine(opts Options) *Machine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 300 * time.Second
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = 15 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Repository == nil {
		opts.Repository = NewMemoryRepo(1000)
	}
	if opts.NewMedia == nil {
		opts.NewMedia = func(string, string) media.PeerConnection {
			return media.NewPeerConnection(media.Options{})
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		opts:     opts,
		log:      logger.Component(opts.Logger, "calls"),
		now:      now,
		registry: NewRegistry(opts.MaxConcurrent),
	}
}

// HandleInvite admits or declines an inbound invitation without waiting on the
// network. An admitted call is answered asynchronously; one beyond the local cap
// never enters the registry and ErrCapacityExceeded is returned. With cluster
// slots configured, the slot is claimed by the call's own goroutine and a
// denied call ends Declined there.
func (m *Machine) HandleInvite(ctx context.Context, ev telephony.SessionEvent) (string, error) {
	party, ok := ev.InboundInvite()
	if !ok {
		return "", ErrNotInvite
	}
	if existing, ok := m.registry.BySession(ev.SessionID); ok {
		existing.log.Debug("repeated invite for live session")
		return existing.ID, nil
	}

	c := m.newCall(ev, party)
	m.total.Add(1)
	c.log.Info("inbound invite", "from", c.From, "to", c.To, "party_id", c.PartyID)
	m.audit(c, "", StateRinging, "invite")

	// Answering is always the first trigger the call's goroutine sees.
	c.triggers <- trigger{kind: triggerAnswer}
	if err := m.registry.TryAdd(c); err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			c.cancel()
			if existing, ok := m.registry.BySession(ev.SessionID); ok {
				return existing.ID, nil
			}
			return "", nil
		}
		m.decline(c, "capacity exceeded")
		return c.ID, err
	}

	if m.opts.Slots == nil {
		m.transition(c, StateAnswering, "admitted")
	}
	m.wg.Add(1)
	go m.run(c)
	return c.ID, nil
}

func (m *Machine) newCall(ev telephony.SessionEvent, party telephony.Party) *CallSession {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &CallSession{
		ID:        id,
		SessionID: ev.SessionID,
		PartyID:   party.ID,
		From:      party.From.String(),
		To:        party.To.String(),
		offer:     ev.SDP,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.Call(m.log, id, ev.SessionID),
		triggers:  make(chan trigger, 16),
		done:      make(chan struct{}),
		state:     StateRinging,
		createdAt: m.now(),
	}
}

// claimSlot takes a cluster slot for a ringing call. Limiter errors fall back
// to the local cap.
func (m *Machine) claimSlot(c *CallSession) bool {
	ctx, cancel := context.WithTimeout(c.ctx, m.opts.RequestTimeout)
	ok, err := m.opts.Slots.Acquire(ctx, c.ID)
	cancel()
	switch {
	case err != nil:
		c.log.Warn("cluster call slots unavailable, enforcing local cap only", "err", err)
	case !ok:
		m.declined.Add(1)
		m.transition(c, StateDeclined, "cluster capacity exceeded")
		m.sendDecline(c, "capacity exceeded")
		return false
	default:
		c.mu.Lock()
		c.slotHeld = true
		c.mu.Unlock()
	}
	return m.transition(c, StateAnswering, "admitted")
}

// decline ends a call refused at admission. The platform request runs in the
// background so the caller, usually the signaling dispatcher, is never held up.
func (m *Machine) decline(c *CallSession, reason string) {
	m.declined.Add(1)
	m.transition(c, StateDeclined, reason)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sendDecline(c, reason)
	}()
}

func (m *Machine) sendDecline(c *CallSession, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if err := m.opts.Signaler.Decline(ctx, c.SessionID, c.PartyID, reason); err != nil {
		c.log.Warn("decline request failed", "err", err)
	}
}

func (m *Machine) run(c *CallSession) {
	defer m.wg.Done()
	defer close(c.done)
	if c.State() == StateRinging && !m.claimSlot(c) {
		return
	}
	for {
		t := <-c.triggers
		if t.kind == triggerAnswer {
			m.answer(c)
		} else {
			m.terminate(c, t)
		}
		if t.done != nil {
			close(t.done)
		}
		if c.State().Terminal() {
			return
		}
	}
}

func (m *Machine) answer(c *CallSession) {
	if st := c.State(); st != StateAnswering {
		c.log.Error("answer trigger in unexpected state", "state", st)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, m.opts.AnswerTimeout)
	defer cancel()

	pc := m.opts.NewMedia(c.ID, c.SessionID)
	track := media.NewAudioTrack("audio-" + c.ID)
	c.mu.Lock()
	c.pc = pc
	c.track = track
	c.mu.Unlock()

	if err := m.opts.Signaler.AcceptInvite(ctx, c.SessionID, c.PartyID, c.offer, pc, track); err != nil {
		_ = pc.Close()
		m.fallback(c, fmt.Errorf("%w: %w", ErrAnsweringFailure, err))
		return
	}

	m.answered.Add(1)
	m.transition(c, StateActive, "answered")

	if m.opts.Relay == nil {
		m.markDegraded(c, errors.New("relay not configured"))
	} else if err := m.opts.Relay.Start(c.ctx, c.ID, track); err != nil {
		m.markDegraded(c, err)
	}
	m.notify(c, true)
}

// fallback redirects a call that could not be answered, declining it if the
// redirect fails too.
func (m *Machine) fallback(c *CallSession, cause error) {
	c.log.Warn("answering failed, redirecting to voicemail", "err", cause)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if err := m.opts.Signaler.Redirect(ctx, c.SessionID, c.PartyID, m.opts.VoicemailTarget); err != nil {
		c.log.Error("voicemail redirect failed, declining", "err", err)
		m.declined.Add(1)
		m.transition(c, StateDeclined, "answer and redirect failed")
		if err := m.opts.Signaler.Decline(ctx, c.SessionID, c.PartyID, "unavailable"); err != nil {
			c.log.Warn("decline request failed", "err", err)
		}
		return
	}
	m.voicemail.Add(1)
	m.transition(c, StateVoicemail, cause.Error())
}

func (m *Machine) markDegraded(c *CallSession, cause error) {
	m.degraded.Add(1)
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	c.log.Warn("audio relay unavailable, call stays active without relay", "err", cause)
	m.persist(c)
}

func (m *Machine) terminate(c *CallSession, t trigger) {
	if st := c.State(); st != StateActive {
		c.log.Debug("ignoring end trigger", "state", st, "reason", t.reason)
		return
	}

	m.transition(c, StateTerminating, t.reason)
	if m.opts.Relay != nil {
		m.opts.Relay.Stop(c.ID)
	}
	if t.kind != triggerRemoteEnd {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
		if err := m.opts.Signaler.Hangup(ctx, c.SessionID); err != nil {
			c.log.Warn("hangup request failed", "err", err)
		}
		cancel()
	}
	if pc := c.peer(); pc != nil {
		_ = pc.Close()
	}

	m.completed.Add(1)
	m.transition(c, StateClosed, t.reason)
	m.notify(c, false)
}

func (m *Machine) expire(c *CallSession) {
	c.log.Warn("call timeout reached", "timeout", m.opts.CallTimeout.String())
	c.enqueue(trigger{kind: triggerTimeout, reason: "call timeout"})
}

// transition moves c to state to and applies registry membership, the timeout
// timer and the record/audit side effects.
func (m *Machine) transition(c *CallSession, to State, reason string) bool {
	now := m.now()

	c.mu.Lock()
	from := c.state
	if !CanTransition(from, to) {
		c.mu.Unlock()
		c.log.Error("illegal call transition", "from", from, "to", to)
		return false
	}
	c.state = to
	switch {
	case to == StateAnswering:
		c.timer = time.AfterFunc(m.opts.CallTimeout, func() { m.expire(c) })
	case to == StateActive:
		c.answeredAt = now
	case !to.Live() && c.endReason == "":
		c.endReason = reason
	}
	if to.Terminal() {
		c.endedAt = now
		if c.timer != nil {
			c.timer.Stop()
		}
	}
	c.mu.Unlock()

	if !to.Live() {
		m.registry.Remove(c.ID)
		m.releaseSlot(c)
		c.cancel()
	}

	c.log.Info("call state changed", "from", from, "to", to, "reason", reason)
	m.audit(c, from, to, reason)
	m.persist(c)
	return true
}

func (m *Machine) releaseSlot(c *CallSession) {
	c.mu.Lock()
	held := c.slotHeld
	c.slotHeld = false
	c.mu.Unlock()
	if !held || m.opts.Slots == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if err := m.opts.Slots.Release(ctx, c.ID); err != nil {
		c.log.Warn("release cluster call slot failed", "err", err)
	}
}

func (m *Machine) audit(c *CallSession, from, to State, reason string) {
	if m.opts.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if err := m.opts.Audit.LogTransition(ctx, c.ID, c.SessionID, string(from), string(to), reason); err != nil {
		c.log.Debug("audit append failed", "err", err)
	}
}

func (m *Machine) persist(c *CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if err := m.opts.Repository.Save(ctx, c.record()); err != nil {
		c.log.Warn("save call record failed", "err", err)
	}
}

func (m *Machine) notify(c *CallSession, started bool) {
	if m.opts.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	var err error
	if started {
		err = m.opts.Notifier.CallStarted(ctx, c.record())
	} else {
		err = m.opts.Notifier.CallEnded(ctx, c.record())
	}
	if err != nil {
		c.log.Warn("ai backend notification failed", "started", started, "err", err)
	}
}

// HandleSessionUpdate applies a non-invite notification. It reports whether the
// notification concerned a live call.
func (m *Machine) HandleSessionUpdate(ev telephony.SessionEvent) bool {
	c, ok := m.registry.BySession(ev.SessionID)
	if !ok {
		return false
	}
	if ev.Ended() {
		c.enqueue(trigger{kind: triggerRemoteEnd, reason: ev.EndReason()})
	}
	return true
}

// Hangup ends a live call on an operator's request and waits for it to be processed.
func (m *Machine) Hangup(ctx context.Context, callID, actor string) error {
	c, ok := m.registry.Get(callID)
	if !ok {
		return ErrCallNotFound
	}
	t := trigger{kind: triggerHangup, reason: "operator hangup", done: make(chan struct{})}
	if !c.enqueue(t) {
		return ErrCallNotFound
	}
	if m.opts.Audit != nil {
		if err := m.opts.Audit.LogOperatorAction(ctx, actor, callID, "hangup"); err != nil {
			c.log.Debug("audit append failed", "err", err)
		}
	}
	select {
	case <-t.done:
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Shutdown ends every live call and waits for their goroutines.
func (m *Machine) Shutdown(ctx context.Context) error {
	for _, c := range m.registry.List() {
		c.enqueue(trigger{kind: triggerShutdown, reason: "shutdown"})
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a live call's snapshot, or its stored record once it has ended.
func (m *Machine) Get(ctx context.Context, callID string) (Summary, error) {
	if c, ok := m.registry.Get(callID); ok {
		return c.summary(), nil
	}
	rec, err := m.opts.Repository.Get(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Summary{}, ErrCallNotFound
		}
		return Summary{}, err
	}
	return Summary{
		CallID:     rec.CallID,
		SessionID:  rec.SessionID,
		From:       rec.From,
		To:         rec.To,
		State:      rec.State,
		Degraded:   rec.Degraded,
		CreatedAt:  rec.StartedAt,
		AnsweredAt: rec.AnsweredAt,
		EndedAt:    rec.EndedAt,
		EndReason:  rec.EndReason,
	}, nil
}

// Active lists live calls, oldest first.
func (m *Machine) Active() []Summary {
	calls := m.registry.List()
	out := make([]Summary, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.summary())
	}
	return out
}

func (m *Machine) History(ctx context.Context, limit int) ([]CallRecord, error) {
	return m.opts.Repository.List(ctx, limit)
}

// Peer finds the media session of the live call on sessionID.
func (m *Machine) Peer(sessionID string) (string, media.PeerConnection, bool) {
	c, ok := m.registry.BySession(sessionID)
	if !ok {
		return "", nil, false
	}
	pc := c.peer()
	if pc == nil {
		return "", nil, false
	}
	return c.ID, pc, true
}

func (m *Machine) Size() int     { return m.registry.Len() }
func (m *Machine) Capacity() int { return m.registry.Cap() }

func (m *Machine) Metrics() Metrics {
	return Metrics{
		Total:     m.total.Load(),
		Answered:  m.answered.Load(),
		Declined:  m.declined.Load(),
		Voicemail: m.voicemail.Load(),
		Completed: m.completed.Load(),
		Degraded:  m.degraded.Load(),
	}
}
