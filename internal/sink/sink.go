// Package sink forwards decoded readings to external storage and messaging.
//
// A Dispatcher watches the session event stream and hands at most one Sample
// per device per interval to every configured Sink. Sink failures are logged
// and never reach the session.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/tagwatch/internal/session"
)

// DefaultSendInterval is used when the dispatcher interval is not set
const DefaultSendInterval = 60 * time.Second

// Sample is one reading forwarded to sinks
type Sample struct {
	Time        time.Time `json:"time"`
	DeviceID    string    `json:"device"`
	Name        string    `json:"name,omitempty"`
	Temperature float64   `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
}

// SampleFromRecord converts a record carrying a reading
func SampleFromRecord(rec session.DeviceRecord) Sample {
	s := Sample{
		Time:        rec.UpdatedAt,
		DeviceID:    rec.ID,
		Name:        rec.Name,
		Temperature: rec.Temperature,
	}
	if rec.HasHumidity {
		h := rec.Humidity
		s.Humidity = &h
	}
	return s
}

// Sink receives samples
type Sink interface {
	Name() string
	Send(ctx context.Context, s Sample) error
	Close(ctx context.Context) error
}

// Dispatcher throttles readings per device and fans them out to sinks
type Dispatcher struct {
	sinks    []Sink
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger
	last     map[string]time.Time
}

// NewDispatcher creates a dispatcher; a non-positive interval selects DefaultSendInterval
func NewDispatcher(interval time.Duration, logger *logrus.Logger, sinks ...Sink) *Dispatcher {
	if interval <= 0 {
		interval = DefaultSendInterval
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Dispatcher{
		sinks:    sinks,
		interval: interval,
		timeout:  10 * time.Second,
		logger:   logger,
		last:     make(map[string]time.Time),
	}
}

// Run consumes events until ctx is done or the channel is closed
func (d *Dispatcher) Run(ctx context.Context, events <-chan session.Event) error {
	d.logger.WithFields(logrus.Fields{
		"sinks":    len(d.sinks),
		"interval": d.interval,
	}).Info("Sample dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Handle(ctx, ev)
		}
	}
}

// Handle processes one event; returns true when a sample was dispatched
func (d *Dispatcher) Handle(ctx context.Context, ev session.Event) bool {
	if ev.Kind != session.EventDeviceUpdated || ev.Record == nil || !ev.Record.HasReading {
		return false
	}
	sample := SampleFromRecord(*ev.Record)
	if sample.Time.IsZero() {
		sample.Time = ev.Time
	}

	if last, seen := d.last[sample.DeviceID]; seen && sample.Time.Sub(last) <= d.interval {
		return false
	}
	d.last[sample.DeviceID] = sample.Time

	for _, s := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sendCtx, sample)
		cancel()
		if err != nil {
			d.logger.WithFields(logrus.Fields{
				"sink":    s.Name(),
				"address": sample.DeviceID,
				"error":   err,
			}).Error("Failed to send sample")
			continue
		}
		d.logger.WithFields(logrus.Fields{
			"sink":    s.Name(),
			"address": sample.DeviceID,
		}).Debug("Sample sent")
	}
	return true
}

// Close closes every sink
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
