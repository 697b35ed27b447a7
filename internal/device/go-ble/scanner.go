package goble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/tagwatch/internal/device"
)

// Scan runs a discovery until StopScan, ctx cancellation, or a scan failure.
// A scan ended by StopScan returns nil.
func (a *Adapter) Scan(ctx context.Context, services []string, handler func(device.Advertisement)) error {
	dev, err := a.central()
	if err != nil {
		return err
	}

	a.scanMu.Lock()
	if a.scanCancel != nil {
		a.scanMu.Unlock()
		return device.ErrScanning
	}
	scanCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.scanCancel = cancel
	a.scanDone = done
	a.scanMu.Unlock()

	defer func() {
		a.scanMu.Lock()
		a.scanCancel = nil
		a.scanDone = nil
		a.scanMu.Unlock()
		cancel()
		close(done)
	}()

	a.logger.WithField("services", services).Info("Starting BLE scan...")

	// Adapter: convert a handler expecting a device.Advertisement to the one expecting ble.Advertisement
	bleHandler := func(adv ble.Advertisement) {
		wrapped := NewBLEAdvertisement(adv)
		if !device.MatchesServices(wrapped, services) {
			return
		}
		handler(wrapped)
	}

	err = dev.Scan(scanCtx, false, bleHandler)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case scanCtx.Err() != nil:
		// stopped through StopScan
		a.logger.Info("BLE scan stopped")
		return nil
	case err != nil && !errors.Is(err, context.Canceled):
		a.logger.WithField("error", err).Error("BLE scan failed")
		return fmt.Errorf("scan failed: %w", NormalizeError(err))
	default:
		return nil
	}
}

// StopScan cancels the running scan and waits until Scan has returned
func (a *Adapter) StopScan(ctx context.Context) error {
	a.scanMu.Lock()
	cancel, done := a.scanCancel, a.scanDone
	a.scanMu.Unlock()

	if cancel == nil {
		return device.ErrNotScanning
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.logger.WithFields(logrus.Fields{
			"error": ctx.Err(),
		}).Warn("Timed out waiting for BLE scan to stop")
		return fmt.Errorf("%w: waiting for scan to stop: %v", device.ErrTimeout, ctx.Err())
	}
}
