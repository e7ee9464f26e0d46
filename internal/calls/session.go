package calls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"call-bridge/internal/media"
)

type triggerKind int

const (
	triggerAnswer triggerKind = iota
	triggerRemoteEnd
	triggerTimeout
	triggerHangup
	triggerShutdown
)

type trigger struct {
	kind   triggerKind
	reason string
	done   chan struct{}
}

// CallSession is one inbound call. Its triggers are applied one at a time by a
// dedicated goroutine; mu only guards the fields read by snapshots.
type CallSession struct {
	ID        string
	SessionID string
	PartyID   string
	From      string
	To        string
	offer     string

	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	triggers chan trigger
	done     chan struct{}

	mu         sync.Mutex
	state      State
	createdAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	endReason  string
	degraded   bool
	timer      *time.Timer
	pc         media.PeerConnection
	track      *media.AudioTrack
	slotHeld   bool
}

func (c *CallSession) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// enqueue hands t to the call's goroutine. It reports false once the call has finished.
func (c *CallSession) enqueue(t trigger) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.triggers <- t:
		return true
	case <-c.done:
		return false
	}
}

func (c *CallSession) peer() media.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *CallSession) summary() Summary {
	c.mu.Lock()
	s := Summary{
		CallID:    c.ID,
		SessionID: c.SessionID,
		PartyID:   c.PartyID,
		From:      c.From,
		To:        c.To,
		State:     c.state,
		Degraded:  c.degraded,
		CreatedAt: c.createdAt,
		EndReason: c.endReason,
	}
	if !c.answeredAt.IsZero() {
		t := c.answeredAt
		s.AnsweredAt = &t
	}
	if !c.endedAt.IsZero() {
		t := c.endedAt
		s.EndedAt = &t
	}
	pc := c.pc
	c.mu.Unlock()

	if pc != nil {
		s.Codec = pc.NegotiatedCodec().Name
		s.Stats = pc.GetStats()
	}
	return s
}

func (c *CallSession) record() CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := CallRecord{
		CallID:    c.ID,
		SessionID: c.SessionID,
		From:      c.From,
		To:        c.To,
		State:     c.state,
		Degraded:  c.degraded,
		StartedAt: c.createdAt,
		EndReason: c.endReason,
	}
	if !c.answeredAt.IsZero() {
		t := c.answeredAt
		r.AnsweredAt = &t
	}
	if !c.endedAt.IsZero() {
		t := c.endedAt
		r.EndedAt = &t
	}
	return r
}
