// Package bridge wires signaling, the call state machine, the audio relay and
// the health supervisor into one running endpoint.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"call-bridge/internal/audit"
	"call-bridge/internal/calls"
	"call-bridge/internal/health"
	"call-bridge/internal/media"
	"call-bridge/internal/provisioning"
	"call-bridge/internal/signaling"
	"call-bridge/pkg/logger"
)

// Signaling is the part of *signaling.Transport the bridge drives directly.
type Signaling interface {
	On(ev signaling.Event, h signaling.Handler)
	SendMedia(sessionID string, packet []byte) error
	Connected() bool
	Registered() bool
	Close() error
}

// Supervisor is the part of *health.Supervisor the bridge drives.
type Supervisor interface {
	Reconnect(ctx context.Context, reason string) error
	FastReconnect(ctx context.Context, cause error)
	NotifyRegistered()
	Run(ctx context.Context) error
	Snapshot() health.Snapshot
}

// AudioRelay receives decoded caller audio. *relay.Bridge implements it.
type AudioRelay interface {
	OnInboundAudio(callID string, frame []byte) error
	Active() int
	Dropped() uint64
}

type Registrations interface {
	Current() (provisioning.DeviceRegistration, bool)
}

type Options struct {
	Signaling     Signaling
	Machine       *calls.Machine
	Supervisor    Supervisor
	Relay         AudioRelay
	Registrations Registrations
	Audit         *audit.Service

	Logger *slog.Logger
	Now    func() time.Time
}

type Bridge struct {
	opts    Options
	log     *slog.Logger
	now     func() time.Time
	started time.Time
}

func New(opts Options) *Bridge {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		opts: opts,
		log:  logger.Component(opts.Logger, "bridge"),
		now:  now,
	}
}

// MediaFactory builds media sessions whose outbound RTP leaves over signaling.
func MediaFactory(sender interface {
	SendMedia(sessionID string, packet []byte) error
}) calls.MediaFactory {
	return func(callID, sessionID string) media.PeerConnection {
		return media.NewPeerConnection(media.Options{
			Sink: func(packet []byte) error { return sender.SendMedia(sessionID, packet) },
		})
	}
}

// Start subscribes to signaling events and brings registration up. It fails
// only when the first connection attempt fails for good.
func (b *Bridge) Start(ctx context.Context) error {
	b.started = b.now()
	b.wire(ctx)
	if err := b.opts.Supervisor.Reconnect(ctx, "startup"); err != nil {
		return err
	}
	b.log.Info("bridge ready", "max_concurrent_calls", b.opts.Machine.Capacity())
	return nil
}

// Run blocks on the health supervisor.
func (b *Bridge) Run(ctx context.Context) error {
	return b.opts.Supervisor.Run(ctx)
}

// Shutdown ends live calls, then closes signaling.
func (b *Bridge) Shutdown(ctx context.Context) error {
	err := b.opts.Machine.Shutdown(ctx)
	if cerr := b.opts.Signaling.Close(); cerr != nil && !errors.Is(cerr, signaling.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}

func (b *Bridge) wire(ctx context.Context) {
	sig := b.opts.Signaling

	sig.On(signaling.EventInboundInvite, func(n signaling.Notification) {
		callID, err := b.opts.Machine.HandleInvite(ctx, n.Session)
		switch {
		case errors.Is(err, calls.ErrCapacityExceeded):
			b.log.Info("invite declined at capacity", "session_id", n.Session.SessionID, "call_id", callID)
		case err != nil:
			b.log.Warn("invite not handled", "session_id", n.Session.SessionID, "err", err)
		}
	})

	sig.On(signaling.EventSessionUpdate, func(n signaling.Notification) {
		if !b.opts.Machine.HandleSessionUpdate(n.Session) {
			b.log.Debug("session update for unknown call", "session_id", n.Session.SessionID)
		}
	})

	sig.On(signaling.EventMedia, func(n signaling.Notification) {
		b.routeMedia(n.SessionID, n.Packet)
	})

	sig.On(signaling.EventRegistered, func(signaling.Notification) {
		b.opts.Supervisor.NotifyRegistered()
		b.auditRegistration(ctx, "registered", "")
	})

	sig.On(signaling.EventRegistrationFailed, func(n signaling.Notification) {
		b.auditRegistration(ctx, "registration failed", errString(n.Err))
		if signaling.Timeout(n.Err) || signaling.Fatal(n.Err) {
			b.opts.Supervisor.FastReconnect(ctx, n.Err)
		}
	})

	sig.On(signaling.EventDisconnected, func(n signaling.Notification) {
		b.opts.Supervisor.FastReconnect(ctx, n.Err)
	})
}

func (b *Bridge) auditRegistration(ctx context.Context, message, detail string) {
	if b.opts.Audit == nil {
		return
	}
	if b.opts.Registrations != nil {
		if reg, ok := b.opts.Registrations.Current(); ok {
			message += " device=" + reg.ID
		}
	}
	if err := b.opts.Audit.LogRegistration(ctx, message, detail); err != nil {
		b.log.Debug("audit append failed", "err", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (b *Bridge) routeMedia(sessionID string, packet []byte) {
	callID, pc, ok := b.opts.Machine.Peer(sessionID)
	if !ok {
		return
	}
	payload, err := pc.HandleRTP(packet)
	if err != nil {
		b.log.Debug("dropping inbound media", "call_id", callID, "err", err)
		return
	}
	if b.opts.Relay == nil {
		return
	}
	if err := b.opts.Relay.OnInboundAudio(callID, payload); err != nil {
		b.log.Debug("inbound audio not relayed", "call_id", callID, "err", err)
	}
}

type SignalingStatus struct {
	Connected  bool `json:"connected"`
	Registered bool `json:"registered"`
}

type CallStatus struct {
	Active   int           `json:"active"`
	Capacity int           `json:"capacity"`
	Metrics  calls.Metrics `json:"metrics"`
}

type RelayStatus struct {
	Enabled  bool   `json:"enabled"`
	Channels int    `json:"channels"`
	Dropped  uint64 `json:"dropped_frames"`
}

// Status is the endpoint's overall state as served by the status API.
type Status struct {
	Healthy   bool                             `json:"healthy"`
	StartedAt time.Time                        `json:"started_at"`
	Uptime    string                           `json:"uptime"`
	Signaling SignalingStatus                  `json:"signaling"`
	Device    *provisioning.DeviceRegistration `json:"device,omitempty"`
	Health    health.Snapshot                  `json:"health"`
	Calls     CallStatus                       `json:"calls"`
	Relay     RelayStatus                      `json:"relay"`
}

func (b *Bridge) Status() Status {
	st := Status{
		StartedAt: b.started,
		Signaling: SignalingStatus{
			Connected:  b.opts.Signaling.Connected(),
			Registered: b.opts.Signaling.Registered(),
		},
		Health: b.opts.Supervisor.Snapshot(),
		Calls: CallStatus{
			Active:   b.opts.Machine.Size(),
			Capacity: b.opts.Machine.Capacity(),
			Metrics:  b.opts.Machine.Metrics(),
		},
	}
	if !b.started.IsZero() {
		st.Uptime = b.now().Sub(b.started).Round(time.Second).String()
	}
	if b.opts.Registrations != nil {
		if reg, ok := b.opts.Registrations.Current(); ok {
			st.Device = &reg
		}
	}
	if b.opts.Relay != nil {
		st.Relay = RelayStatus{Enabled: true, Channels: b.opts.Relay.Active(), Dropped: b.opts.Relay.Dropped()}
	}
	st.Healthy = st.Signaling.Connected && st.Signaling.Registered && st.Health.State != health.StateFatal
	return st
}
