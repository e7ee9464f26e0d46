package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-bridge/internal/provisioning"
	"call-bridge/internal/signaling"
	"call-bridge/pkg/logger"
)

type fakeRegistrar struct {
	mu        sync.Mutex
	registers int
	errs      []error
	current   *provisioning.DeviceRegistration
	status    provisioning.Status
}

func (f *fakeRegistrar) Register(ctx context.Context) (provisioning.DeviceRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return provisioning.DeviceRegistration{}, err
		}
	}
	reg := provisioning.DeviceRegistration{
		ID:     fmt.Sprintf("dev-%d", f.registers),
		Status: provisioning.StatusOnline,
		Credentials: provisioning.Credentials{
			Address: "wss://sip.example.test", Identity: "100", Secret: "s", Domain: "example.test",
		},
	}
	f.current = &reg
	return reg, nil
}

func (f *fakeRegistrar) CheckStatus(ctx context.Context) (provisioning.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return provisioning.StatusOnline, nil
	}
	return f.status, nil
}

func (f *fakeRegistrar) Current() (provisioning.DeviceRegistration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return provisioning.DeviceRegistration{}, false
	}
	return *f.current, true
}

func (f *fakeRegistrar) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers
}

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	registered bool
	connects   int
	pings      int
	sendErrs   []error
	gate       chan struct{}
}

func (f *fakeTransport) Connect(ctx context.Context, address string) error {
	f.mu.Lock()
	gate := f.gate
	f.connects++
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendRegistration(ctx context.Context, creds provisioning.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			f.registered = false
			return err
		}
	}
	f.registered = true
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Registered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *fakeTransport) counts() (connects, pings int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.pings
}

func newSupervisor(reg Registrar, tr Transport, mutate func(*Options)) *Supervisor {
	opts := Options{
		Interval:           time.Hour,
		MaxAttempts:        4,
		FastReconnectDelay: 10 * time.Millisecond,
		InitialBackoff:     5 * time.Millisecond,
		MaxBackoff:         20 * time.Millisecond,
		Logger:             logger.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewSupervisor(reg, tr, opts)
}

func TestSupervisor_HealthyCheckIsQuiet(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{}
	s := newSupervisor(reg, tr, nil)
	ctx := context.Background()

	require.NoError(t, s.Reconnect(ctx, "startup"))
	require.NoError(t, s.Check(ctx))

	assert.Equal(t, 1, reg.count())
	_, pings := tr.counts()
	assert.Equal(t, 1, pings)
	snap := s.Snapshot()
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.LastError)
	assert.False(t, snap.LastCheck.IsZero())
}

func TestSupervisor_CheckFailureReconnects(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{}
	s := newSupervisor(reg, tr, nil)

	require.NoError(t, s.Check(context.Background()))
	assert.Equal(t, 1, reg.count())
	assert.True(t, tr.Registered())
	assert.Equal(t, uint64(1), s.Snapshot().Reconnects)
}

func TestSupervisor_RetriesRecoverableFailures(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{sendErrs: []error{signaling.ErrRegistrationTimeout, signaling.ErrRegistrationTimeout, nil}}
	s := newSupervisor(reg, tr, nil)

	require.NoError(t, s.Reconnect(context.Background(), "test"))
	assert.Equal(t, 3, reg.count(), "each attempt re-runs registration")
	assert.Equal(t, StateIdle, s.State())
}

func TestSupervisor_ExhaustionIsFatal(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{sendErrs: []error{
		signaling.ErrRegistrationTimeout, signaling.ErrRegistrationTimeout,
		signaling.ErrRegistrationTimeout, signaling.ErrRegistrationTimeout,
	}}
	s := newSupervisor(reg, tr, func(o *Options) { o.MaxAttempts = 3 })

	err := s.Reconnect(context.Background(), "test")
	require.ErrorIs(t, err, ErrHealthCheckExhausted)
	assert.ErrorIs(t, err, signaling.ErrRegistrationTimeout)
	assert.Equal(t, 3, reg.count())
	assert.Equal(t, StateFatal, s.State())

	runErr := s.Run(context.Background())
	assert.ErrorIs(t, runErr, ErrHealthCheckExhausted)

	assert.ErrorIs(t, s.Reconnect(context.Background(), "again"), ErrHealthCheckExhausted)
	assert.Equal(t, 3, reg.count(), "fatal state does not retry")
}

func TestSupervisor_FatalErrorsAreNotRetried(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{sendErrs: []error{fmt.Errorf("%w: 403", signaling.ErrAuthorizationRejected)}}
	s := newSupervisor(reg, tr, nil)

	err := s.Reconnect(context.Background(), "test")
	require.ErrorIs(t, err, signaling.ErrAuthorizationRejected)
	assert.Equal(t, 1, reg.count())
	assert.Equal(t, StateFatal, s.State())

	select {
	case got := <-s.Fatal():
		assert.ErrorIs(t, got, signaling.ErrAuthorizationRejected)
	default:
		t.Fatal("fatal error not reported")
	}
}

func TestSupervisor_IncompleteCredentialsAreFatal(t *testing.T) {
	reg := &fakeRegistrar{errs: []error{provisioning.ErrIncompleteCredentials}}
	s := newSupervisor(reg, &fakeTransport{}, nil)

	err := s.Reconnect(context.Background(), "startup")
	assert.ErrorIs(t, err, provisioning.ErrIncompleteCredentials)
	assert.Equal(t, 1, reg.count())
}

func TestSupervisor_RevokedAccessTokenIsRetried(t *testing.T) {
	var tokens, provisions atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/restapi/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		n := tokens.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok-%d", n), "expires_in": 3600})
	})
	mux.HandleFunc("/restapi/v1.0/client-info/sip-provision", func(w http.ResponseWriter, r *http.Request) {
		if provisions.Add(1) == 2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device": map[string]any{"id": "dev-1", "status": "Online"},
			"sipInfo": []map[string]any{{
				"transport": "WSS", "username": "100", "password": "pw",
				"domain": "example.test", "outboundProxy": "sip.example.test:8083",
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := provisioning.NewClient(provisioning.ClientConfig{
		Server: srv.URL, ClientID: "client", ClientSecret: "secret", JWTAssertion: "opaque",
	})
	reg := provisioning.NewManager(client, provisioning.ManagerOptions{Logger: logger.Discard()})
	s := newSupervisor(reg, &fakeTransport{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Reconnect(ctx, "startup"))
	require.NoError(t, s.Reconnect(ctx, "registration lost"))

	assert.Equal(t, StateIdle, s.State())
	assert.EqualValues(t, 3, provisions.Load(), "the rejected attempt is retried")
	assert.EqualValues(t, 2, tokens.Load(), "a fresh token is exchanged after the rejection")
	select {
	case err := <-s.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestSupervisor_ReconnectIsSingleFlight(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{gate: make(chan struct{})}
	s := newSupervisor(reg, tr, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Reconnect(context.Background(), "concurrent")
		}()
	}

	require.Eventually(t, func() bool {
		connects, _ := tr.counts()
		return connects == 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(tr.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	connects, _ := tr.counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, reg.count())
}

func TestSupervisor_CheckDefersToPendingFastReconnect(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{}
	s := newSupervisor(reg, tr, func(o *Options) { o.FastReconnectDelay = 100 * time.Millisecond })
	ctx := context.Background()

	s.FastReconnect(ctx, signaling.ErrRegistrationTimeout)
	s.FastReconnect(ctx, signaling.ErrRegistrationTimeout)
	require.NoError(t, s.Check(ctx))
	assert.Equal(t, 0, reg.count(), "check must not start its own reconnection")

	require.Eventually(t, func() bool { return tr.Registered() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == StateIdle && !s.fastPending.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.count())
}

func TestSupervisor_FastReconnectReportsFatalCause(t *testing.T) {
	s := newSupervisor(&fakeRegistrar{}, &fakeTransport{}, nil)
	s.FastReconnect(context.Background(), signaling.ErrAuthorizationRejected)

	select {
	case err := <-s.Fatal():
		assert.ErrorIs(t, err, signaling.ErrAuthorizationRejected)
	case <-time.After(time.Second):
		t.Fatal("fatal cause not reported")
	}
}

func TestSupervisor_OutOfBandRegistrationEndsBackoff(t *testing.T) {
	reg := &fakeRegistrar{}
	tr := &fakeTransport{sendErrs: []error{signaling.ErrRegistrationTimeout}}
	s := newSupervisor(reg, tr, func(o *Options) {
		o.InitialBackoff = 10 * time.Second
		o.MaxBackoff = 10 * time.Second
	})

	done := make(chan error, 1)
	go func() { done <- s.Reconnect(context.Background(), "test") }()

	require.Eventually(t, func() bool { return s.State() == StateBackoff }, time.Second, time.Millisecond)
	s.NotifyRegistered()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff wait was not cancelled")
	}
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, reg.count())
}

func TestSupervisor_RunStopsWithContext(t *testing.T) {
	s := newSupervisor(&fakeRegistrar{}, &fakeTransport{}, func(o *Options) { o.Interval = 5 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Snapshot().Reconnects >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
