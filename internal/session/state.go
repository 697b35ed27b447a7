package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/tagwatch/internal/device"
)

// ErrInvalidTransition is returned for a link state change the state machine does not allow
var ErrInvalidTransition = errors.New("invalid link state transition")

// LinkState is the per-peripheral connection state
type LinkState int

const (
	Discovered LinkState = iota
	Connecting
	Connected
	Configuring
	Subscribed
	Lost
)

var linkStateNames = [...]string{
	Discovered:  "discovered",
	Connecting:  "connecting",
	Connected:   "connected",
	Configuring: "configuring",
	Subscribed:  "subscribed",
	Lost:        "lost",
}

func (s LinkState) String() string {
	if s < 0 || int(s) >= len(linkStateNames) {
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
	return linkStateNames[s]
}

// MarshalText renders the state by name in JSON and YAML
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name
func (s *LinkState) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range linkStateNames {
		if n == name {
			*s = LinkState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", string(text))
}

// Live reports whether the peripheral is connected (with or without notifications)
func (s LinkState) Live() bool {
	return s == Connected || s == Configuring || s == Subscribed
}

// transitions lists the allowed targets per state. Nothing leads back to Discovered.
var transitions = map[LinkState][]LinkState{
	Discovered:  {Connecting, Lost},
	Connecting:  {Connected, Lost},
	Connected:   {Configuring, Subscribed, Lost},
	Configuring: {Subscribed, Lost},
	Subscribed:  {Lost},
	Lost:        {},
}

// CanTransition reports whether from → to is allowed
func CanTransition(from, to LinkState) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// link tracks one peripheral through the connection flow
type link struct {
	id         string
	name       string
	state      LinkState
	peripheral device.Peripheral
}

func newLink(id, name string) *link {
	return &link{id: id, name: name, state: Discovered}
}

func (l *link) transition(to LinkState) error {
	if !CanTransition(l.state, to) {
		return fmt.Errorf("%w: %s → %s for %s", ErrInvalidTransition, l.state, to, l.id)
	}
	l.state = to
	return nil
}

func (l *link) displayName() string {
	if l.peripheral.Name != "" {
		return l.peripheral.Name
	}
	if l.name != "" {
		return l.name
	}
	return l.id
}
