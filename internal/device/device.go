package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found on a connected peripheral
type NotFoundError struct {
	Resource string   // "service", "characteristic"
	UUIDs    []string // [serviceUUID] or [serviceUUID, charUUID]
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	return fmt.Sprintf("%s %q not found in service %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], e.UUIDs[0])
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrNotScanning  = errors.New("no scan in progress")
	ErrScanning     = errors.New("scan already in progress")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// ContainsIgnoreCase checks substring case-insensitively
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is a single discovery event delivered by a scan
type Advertisement interface {
	LocalName() string
	Services() []string
	ManufacturerData() []byte
	RSSI() int
	Connectable() bool
	Addr() string
}

// Peripheral describes a connected peripheral, as reported by a successful Connect
type Peripheral struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns the advertised name, falling back to the ID
func (p Peripheral) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// DisconnectHandler is invoked once when an established link drops.
// err is nil when the disconnect was requested locally.
type DisconnectHandler func(err error)

// NotificationHandler receives characteristic notification payloads.
// The slice is owned by the handler.
type NotificationHandler func(data []byte)

// Scanner discovers advertising peripherals
type Scanner interface {
	// Scan blocks until the scan is stopped, ctx is done, or the scan fails.
	// When services is non-empty only advertisements carrying one of them are delivered.
	Scan(ctx context.Context, services []string, handler func(Advertisement)) error

	// StopScan stops a running scan and waits for Scan to return.
	StopScan(ctx context.Context) error
}

// Adapter is the BLE central the session drives
type Adapter interface {
	Scanner

	Connect(ctx context.Context, id string, onDisconnect DisconnectHandler) (Peripheral, error)
	Disconnect(ctx context.Context, id string) error

	Read(ctx context.Context, id, service, characteristic string) ([]byte, error)
	Write(ctx context.Context, id, service, characteristic string, data []byte) error
	Subscribe(ctx context.Context, id, service, characteristic string, handler NotificationHandler) error
}

// MatchesServices reports whether adv carries at least one of the filter services.
// An empty filter matches everything.
func MatchesServices(adv Advertisement, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, got := range adv.Services() {
			if SameUUID(want, got) {
				return true
			}
		}
	}
	return false
}
