package provisioning

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusOnline  Status = "Online"
	StatusOffline Status = "Offline"
	StatusUnknown Status = "Unknown"
)

func ParseStatus(s string) Status {
	switch {
	case strings.EqualFold(s, string(StatusOnline)):
		return StatusOnline
	case strings.EqualFold(s, string(StatusOffline)):
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// Credentials is the signaling credential set issued for this endpoint.
type Credentials struct {
	// Address is the signaling endpoint (wss URL).
	Address         string `json:"address"`
	Identity        string `json:"identity"`
	AuthorizationID string `json:"authorization_id,omitempty"`
	Secret          string `json:"-"`
	Domain          string `json:"domain"`
}

// AuthUser is the user name presented in digest challenges.
func (c Credentials) AuthUser() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.Identity
}

// Validate reports every missing field at once. The platform never fills these in
// on retry, so a failure here is a configuration problem.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(c.Identity) == "" {
		missing = append(missing, "identity")
	}
	if c.Secret == "" {
		missing = append(missing, "secret")
	}
	if strings.TrimSpace(c.Domain) == "" {
		missing = append(missing, "domain")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrIncompleteCredentials, strings.Join(missing, ", "))
	}
	return nil
}

// DeviceRegistration identifies this endpoint to the platform.
type DeviceRegistration struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	PollInterval time.Duration `json:"poll_interval"`
	LastVerified time.Time     `json:"last_verified"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`

	Credentials Credentials `json:"credentials"`
}

var (
	// ErrIncompleteCredentials is fatal: the provisioning response cannot be used to register.
	ErrIncompleteCredentials = errors.New("provisioning: incomplete credentials")
	ErrAssertionExpired      = errors.New("provisioning: jwt assertion expired")
	// ErrClientRejected means the token exchange itself refused the client id,
	// secret or assertion. Retrying with the same configuration cannot help.
	ErrClientRejected = errors.New("provisioning: client credentials rejected")
	// ErrUnauthorized is a rejected access token on an API call. The cached token
	// is dropped, so the next attempt exchanges a fresh one.
	ErrUnauthorized  = errors.New("provisioning: access token rejected")
	ErrNotRegistered = errors.New("provisioning: no current registration")
)

// APIError is a non-2xx response from the platform.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provisioning: %s returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// Fatal reports errors that retrying cannot fix.
func Fatal(err error) bool {
	return errors.Is(err, ErrIncompleteCredentials) ||
		errors.Is(err, ErrAssertionExpired) ||
		errors.Is(err, ErrClientRejected)
}
