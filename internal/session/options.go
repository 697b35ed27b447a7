package session

import (
	"fmt"
	"time"

	"github.com/srg/tagwatch/internal/groutine"
)

// DisconnectPolicy decides what a peripheral disconnect does to its record
type DisconnectPolicy string

const (
	// KeepStale leaves the record and its last reading untouched
	KeepStale DisconnectPolicy = "keep-stale"
	// MarkLost flags the record as lost and clears its reading
	MarkLost DisconnectPolicy = "mark-lost"
)

// ParseDisconnectPolicy validates a policy name; empty selects KeepStale
func ParseDisconnectPolicy(s string) (DisconnectPolicy, error) {
	switch DisconnectPolicy(s) {
	case "", KeepStale:
		return KeepStale, nil
	case MarkLost:
		return MarkLost, nil
	default:
		return "", fmt.Errorf("unknown disconnect policy %q (want %s or %s)", s, KeepStale, MarkLost)
	}
}

const DefaultNoticeDuration = 2 * time.Second

// Options tune a Controller. The zero value is usable.
type Options struct {
	// TargetName accepts only peripherals advertising exactly this name; empty accepts all.
	TargetName string
	// ScanServices overrides the profile's discovery filter.
	ScanServices []string
	// Unfiltered scans without any service filter.
	Unfiltered bool

	DisconnectPolicy DisconnectPolicy

	// ReadDeviceInfo reads model, firmware, manufacturer and battery after connecting.
	ReadDeviceInfo bool

	// OperationTimeout bounds each connect, write, subscribe, read, disconnect and
	// stop-scan call. Zero means no timeout.
	OperationTimeout time.Duration

	NoticeDuration time.Duration

	// Spawn launches adapter calls; defaults to groutine.Go.
	Spawn groutine.SpawnFunc

	// Now is the clock used for reading timestamps; defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.DisconnectPolicy == "" {
		o.DisconnectPolicy = KeepStale
	}
	if o.NoticeDuration <= 0 {
		o.NoticeDuration = DefaultNoticeDuration
	}
	if o.Spawn == nil {
		o.Spawn = groutine.Go
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
