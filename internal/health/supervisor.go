package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"call-bridge/internal/provisioning"
	"call-bridge/internal/signaling"
	"call-bridge/pkg/logger"
)

var (
	// ErrHealthCheckExhausted is fatal: reconnection gave up after MaxAttempts.
	ErrHealthCheckExhausted = errors.New("health: reconnection attempts exhausted")

	errTransportDown    = errors.New("health: signaling transport not connected")
	errNotRegistered    = errors.New("health: signaling not registered")
	errRecoveredOutside = errors.New("health: registration recovered out of band")
)

// State is the reconnection policy's position.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateBackoff    State = "backoff"
	StateFatal      State = "fatal"
)

// Registrar is the device registration side. *provisioning.Manager implements it.
type Registrar interface {
	Register(ctx context.Context) (provisioning.DeviceRegistration, error)
	CheckStatus(ctx context.Context) (provisioning.Status, error)
	Current() (provisioning.DeviceRegistration, bool)
}

// Transport is the signaling side. *signaling.Transport implements it.
type Transport interface {
	Connect(ctx context.Context, address string) error
	SendRegistration(ctx context.Context, creds provisioning.Credentials) error
	Ping(ctx context.Context) error
	Connected() bool
	Registered() bool
}

type Options struct {
	Interval           time.Duration
	MaxAttempts        int
	FastReconnectDelay time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	CheckTimeout       time.Duration
	AttemptTimeout     time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Snapshot is the supervisor's view for the status API.
type Snapshot struct {
	State      State     `json:"state"`
	LastCheck  time.Time `json:"last_check,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Reconnects uint64    `json:"reconnects"`
	Attempts   int       `json:"attempts"`
}

// Supervisor runs periodic liveness checks and owns the only reconnection
// policy. Fast reconnects from the transport and periodic failures share it.
type Supervisor struct {
	reg  Registrar
	tr   Transport
	opts Options
	log  *slog.Logger
	now  func() time.Time

	group       singleflight.Group
	fastPending atomic.Bool
	fatal       chan error
	reconnects  atomic.Uint64

	mu         sync.Mutex
	state      State
	attempts   int
	lastCheck  time.Time
	lastErr    error
	attachedID string
	stopWait   context.CancelCauseFunc
}

func NewSupervisor(reg Registrar, tr Transport, opts Options) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.FastReconnectDelay <= 0 {
		opts.FastReconnectDelay = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 10 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		reg:   reg,
		tr:    tr,
		opts:  opts,
		log:   logger.Component(opts.Logger, "health"),
		now:   now,
		fatal: make(chan error, 1),
		state: StateIdle,
	}
}

// Run checks health every Interval until ctx ends or a fatal error is reported.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		case <-ticker.C:
			_ = s.Check(ctx)
		}
	}
}

// Check runs one health cycle. It defers to any reconnection already in flight.
func (s *Supervisor) Check(ctx context.Context) error {
	if st := s.State(); st != StateIdle || s.fastPending.Load() {
		s.log.Debug("reconnection in flight, deferring health check", "state", st)
		return nil
	}

	err := s.checkDevice(ctx)
	s.mu.Lock()
	s.lastCheck = s.now()
	s.lastErr = err
	s.mu.Unlock()
	if err == nil {
		s.log.Debug("health check ok")
		return nil
	}

	s.log.Warn("health check failed", "err", err)
	return s.Reconnect(ctx, err.Error())
}

func (s *Supervisor) checkDevice(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CheckTimeout)
	defer cancel()

	if !s.tr.Connected() {
		return errTransportDown
	}
	if err := s.tr.Ping(ctx); err != nil {
		return fmt.Errorf("health: ping: %w", err)
	}
	if !s.tr.Registered() {
		return errNotRegistered
	}
	st, err := s.reg.CheckStatus(ctx)
	if err != nil {
		return fmt.Errorf("health: device status: %w", err)
	}
	if cur, ok := s.reg.Current(); ok && cur.ID != s.attached() {
		return fmt.Errorf("health: device registration replaced (status %s)", st)
	}
	return nil
}

// FastReconnect schedules a reconnect after FastReconnectDelay. Fatal causes are
// reported instead. It is a no-op while another reconnection is pending or running.
func (s *Supervisor) FastReconnect(ctx context.Context, cause error) {
	if signaling.Fatal(cause) {
		s.reportFatal(cause)
		return
	}
	if st := s.State(); st != StateIdle {
		s.log.Debug("reconnection already in flight, skipping fast reconnect", "state", st, "cause", cause)
		return
	}
	if !s.fastPending.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("fast reconnect scheduled", "delay", s.opts.FastReconnectDelay.String(), "cause", cause)

	go func() {
		defer s.fastPending.Store(false)
		t := time.NewTimer(s.opts.FastReconnectDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if s.tr.Connected() && s.tr.Registered() {
			s.log.Debug("signaling recovered before fast reconnect fired")
			return
		}
		reason := "fast reconnect"
		if cause != nil {
			reason += ": " + cause.Error()
		}
		_ = s.Reconnect(ctx, reason)
	}()
}

// Reconnect re-runs registration and signaling setup with exponential backoff.
// Concurrent callers share the one in-flight attempt.
func (s *Supervisor) Reconnect(ctx context.Context, reason string) error {
	_, err, shared := s.group.Do("reconnect", func() (any, error) {
		return nil, s.reconnect(ctx, reason)
	})
	if shared {
		s.log.Debug("joined in-flight reconnection", "reason", reason)
	}
	return err
}

func (s *Supervisor) reconnect(ctx context.Context, reason string) error {
	rctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	s.mu.Lock()
	if s.state == StateFatal {
		err := s.lastErr
		s.mu.Unlock()
		return err
	}
	s.state = StateConnecting
	s.attempts = 0
	s.stopWait = stop
	s.mu.Unlock()
	s.log.Info("reconnecting", "reason", reason, "max_attempts", s.opts.MaxAttempts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.InitialBackoff
	bo.MaxInterval = s.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		s.setState(StateConnecting, attempt)
		err := s.connectOnce(rctx, attempt == 1)
		if err == nil {
			return struct{}{}, nil
		}
		if signaling.Fatal(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		s.setState(StateBackoff, attempt)
		s.log.Warn("reconnect attempt failed", "attempt", attempt, "retry_in", next.String(), "err", err)
	}

	_, err := backoff.Retry(rctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)

	switch {
	case err == nil || errors.Is(err, errRecoveredOutside):
		if errors.Is(err, errRecoveredOutside) {
			if cur, ok := s.reg.Current(); ok {
				s.mu.Lock()
				s.attachedID = cur.ID
				s.mu.Unlock()
			}
		}
		s.finish(StateIdle, nil)
		s.reconnects.Add(1)
		s.log.Info("reconnected", "attempts", attempt)
		return nil
	case ctx.Err() != nil:
		s.finish(StateIdle, ctx.Err())
		return ctx.Err()
	case signaling.Fatal(err):
		s.finish(StateFatal, err)
		s.log.Error("reconnection hit a fatal error", "err", err)
		s.reportFatal(err)
		return err
	default:
		err = fmt.Errorf("%w after %d attempts: %w", ErrHealthCheckExhausted, attempt, err)
		s.finish(StateFatal, err)
		s.log.Error("reconnection exhausted", "err", err)
		s.reportFatal(err)
		return err
	}
}

// connectOnce registers the device and brings signaling up on its credentials.
// On the first attempt a registration the manager already replaced is adopted
// instead of provisioning again.
func (s *Supervisor) connectOnce(ctx context.Context, first bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.AttemptTimeout)
	defer cancel()

	reg, ok := s.reg.Current()
	if !first || !ok || reg.ID == s.attached() {
		var err error
		reg, err = s.reg.Register(ctx)
		if err != nil {
			return fmt.Errorf("health: register device: %w", err)
		}
	}
	if err := s.tr.Connect(ctx, reg.Credentials.Address); err != nil {
		return err
	}
	if err := s.tr.SendRegistration(ctx, reg.Credentials); err != nil {
		return err
	}

	s.mu.Lock()
	s.attachedID = reg.ID
	s.mu.Unlock()
	return nil
}

// NotifyRegistered tells the supervisor signaling registered on its own. A
// reconnection waiting out a backoff delay finishes immediately.
func (s *Supervisor) NotifyRegistered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBackoff && s.stopWait != nil {
		s.log.Info("registration recovered during backoff, cancelling wait")
		s.stopWait(errRecoveredOutside)
	}
}

func (s *Supervisor) Fatal() <-chan error { return s.fatal }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:      s.state,
		LastCheck:  s.lastCheck,
		Reconnects: s.reconnects.Load(),
		Attempts:   s.attempts,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

func (s *Supervisor) setState(st State, attempt int) {
	s.mu.Lock()
	s.state = st
	s.attempts = attempt
	s.mu.Unlock()
}

func (s *Supervisor) finish(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.lastErr = err
	s.stopWait = nil
	s.mu.Unlock()
}

func (s *Supervisor) attached() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachedID
}

func (s *Supervisor) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
