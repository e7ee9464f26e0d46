package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-bridge/pkg/logger"
)

// API is the subset of the platform the manager needs. *Client implements it.
type API interface {
	Provision(ctx context.Context) (ProvisionResult, error)
	DeviceStatus(ctx context.Context, deviceID string) (Status, error)
}

type ManagerOptions struct {
	// StatusPollDelay is how long Register waits before re-polling a device that is not Online.
	StatusPollDelay time.Duration
	// DefaultPollInterval applies when the platform does not send one.
	DefaultPollInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the process-wide DeviceRegistration. It is the only writer;
// everything else reads snapshots through Current.
type Manager struct {
	api  API
	opts ManagerOptions
	log  *slog.Logger
	now  func() time.Time

	mu            sync.RWMutex
	current       *DeviceRegistration
	offlineSince  time.Time
	windowHandled bool
	reregisters   int
}

func NewManager(api API, opts ManagerOptions) *Manager {
	if opts.DefaultPollInterval <= 0 {
		opts.DefaultPollInterval = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		api:  api,
		opts: opts,
		log:  logger.Component(opts.Logger, "provisioning"),
		now:  now,
	}
}

// Register obtains a new registration record. A device reported as anything but
// Online is polled once more after StatusPollDelay before returning.
func (m *Manager) Register(ctx context.Context) (DeviceRegistration, error) {
	res, err := m.api.Provision(ctx)
	if err != nil {
		return DeviceRegistration{}, err
	}
	if err := res.Credentials.Validate(); err != nil {
		m.log.Error("provisioning response unusable", "err", err, "device_id", res.DeviceID)
		return DeviceRegistration{}, err
	}

	reg := DeviceRegistration{
		ID:           res.DeviceID,
		Status:       res.Status,
		PollInterval: res.PollInterval,
		ExpiresAt:    res.ExpiresAt,
		LastVerified: m.now(),
		Credentials:  res.Credentials,
	}
	if reg.PollInterval <= 0 {
		reg.PollInterval = m.opts.DefaultPollInterval
	}

	if reg.Status != StatusOnline && reg.ID != "" {
		m.log.Info("device not online after provisioning, polling once", "device_id", reg.ID, "status", reg.Status)
		if err := sleepCtx(ctx, m.opts.StatusPollDelay); err != nil {
			return DeviceRegistration{}, err
		}
		st, err := m.api.DeviceStatus(ctx, reg.ID)
		if err != nil {
			m.log.Warn("device status poll failed", "device_id", reg.ID, "err", err)
		} else {
			reg.Status = st
			reg.LastVerified = m.now()
		}
	}

	m.mu.Lock()
	m.current = &reg
	m.windowHandled = false
	if reg.Status == StatusOnline {
		m.offlineSince = time.Time{}
	} else {
		m.offlineSince = reg.LastVerified
	}
	m.mu.Unlock()

	m.log.Info("device registered",
		"device_id", reg.ID,
		"status", reg.Status,
		"poll_interval", reg.PollInterval.String(),
		"identity", reg.Credentials.Identity,
		"domain", reg.Credentials.Domain,
	)
	return reg, nil
}

// Reregister invalidates the current registration and runs Register.
func (m *Manager) Reregister(ctx context.Context) (DeviceRegistration, error) {
	m.mu.Lock()
	prev := m.current
	m.current = nil
	m.reregisters++
	m.mu.Unlock()

	if prev != nil {
		m.log.Info("re-registering device", "previous_device_id", prev.ID, "previous_status", prev.Status)
	}
	return m.Register(ctx)
}

// CheckStatus verifies the device with the platform. A status other than Online
// that persists for one polling interval triggers Reregister, once per failure window.
func (m *Manager) CheckStatus(ctx context.Context) (Status, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()
	if cur == nil {
		return StatusUnknown, ErrNotRegistered
	}

	st, err := m.api.DeviceStatus(ctx, cur.ID)
	if err != nil {
		return StatusUnknown, err
	}
	now := m.now()

	m.mu.Lock()
	if m.current == nil || m.current.ID != cur.ID {
		// Replaced while we were asking; the new record is authoritative.
		m.mu.Unlock()
		return st, nil
	}
	m.current.Status = st
	m.current.LastVerified = now

	if st == StatusOnline {
		m.offlineSince = time.Time{}
		m.windowHandled = false
		m.mu.Unlock()
		return st, nil
	}

	if m.offlineSince.IsZero() {
		m.offlineSince = now
	}
	trigger := !m.windowHandled && now.Sub(m.offlineSince) >= m.current.PollInterval
	if trigger {
		m.windowHandled = true
	}
	offlineFor := now.Sub(m.offlineSince)
	m.mu.Unlock()

	if !trigger {
		m.log.Debug("device not online", "device_id", cur.ID, "status", st, "offline_for", offlineFor.String())
		return st, nil
	}

	m.log.Warn("device offline past polling interval", "device_id", cur.ID, "status", st, "offline_for", offlineFor.String())
	reg, err := m.Reregister(ctx)
	if err != nil {
		return st, fmt.Errorf("provisioning: reregister: %w", err)
	}
	return reg.Status, nil
}

// Current returns a snapshot of the registration, if any.
func (m *Manager) Current() (DeviceRegistration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return DeviceRegistration{}, false
	}
	return *m.current, true
}

// Reregistrations counts forced registration cycles since start.
func (m *Manager) Reregistrations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reregisters
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
