package connectivity

import (
	"errors"
	"time"
)

// State is the connectivity mode of the device.
type State string

const (
	StateOnline       State = "online"
	StateOffline      State = "offline"
	StateProvisioning State = "provisioning"
)

var allStates = []string{string(StateOnline), string(StateOffline), string(StateProvisioning)}

// Session is a provisioning episode. It lives from opening the access point
// until a submitted network passes the connection test.
type Session struct {
	ID        string    `json:"id"`
	APSSID    string    `json:"apSSID"`
	Interface string    `json:"interface"`
	StartedAt time.Time `json:"startedAt"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	Busy      bool      `json:"busy"`
}

var (
	// ErrBusy rejects a submission while another one is being tested.
	ErrBusy = errors.New("another submission is in progress")

	// ErrNotProvisioning rejects a submission outside provisioning mode.
	ErrNotProvisioning = errors.New("device is not in provisioning mode")
)

// InvalidCredentialsError wraps a rejected submission that was never tried.
type InvalidCredentialsError struct {
	Err error
}

func (e *InvalidCredentialsError) Error() string { return "invalid credentials: " + e.Err.Error() }
func (e *InvalidCredentialsError) Unwrap() error { return e.Err }
