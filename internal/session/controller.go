// Package session drives sensor tags through scan, connect, activation,
// subscription and teardown, and keeps the device list the surfaces render.
//
// Every state change happens under one mutex and is published to observers
// afterwards, in mutation order. Adapter calls never run under that mutex:
// they are launched on named goroutines and report back through handlers.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/tagwatch/internal/device"
	"github.com/srg/tagwatch/internal/groutine"
	"github.com/srg/tagwatch/internal/profile"
	"github.com/srg/tagwatch/internal/ringchan"
)

// Status messages
const (
	StatusIdle          = ""
	StatusScanning      = "Scanning started..."
	StatusStopped       = "Scanning stopped."
	StatusConnectedTo   = "Connected to "
	StatusErrorPrefix   = "Error "
	ScanErrorNoticeText = "Error scanning for Bluetooth low energy devices."
)

// ErrClosed is returned by operations on a closed Controller
var ErrClosed = errors.New("session is closed")

// Controller owns the scanning flag, the device collection and the status message
type Controller struct {
	adapter device.Adapter
	profile *profile.Profile
	opts    Options
	logger  *logrus.Logger

	mu        sync.Mutex
	scanning  bool
	stopping  bool
	status    string
	devices   *orderedmap.OrderedMap[string, *DeviceRecord]
	links     map[string]*link
	observers map[uint64]*Observer
	nextObsID uint64
	seq       uint64
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *groutine.Group
}

// New creates a Controller for one profile
func New(adapter device.Adapter, prof *profile.Profile, opts Options, logger *logrus.Logger) (*Controller, error) {
	if adapter == nil {
		return nil, errors.New("session: adapter is required")
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseDisconnectPolicy(string(opts.DisconnectPolicy)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		adapter:   adapter,
		profile:   prof,
		opts:      opts,
		logger:    logger,
		status:    StatusIdle,
		devices:   orderedmap.New[string, *DeviceRecord](),
		links:     make(map[string]*link),
		observers: make(map[uint64]*Observer),
		ctx:       ctx,
		cancel:    cancel,
		group:     groutine.NewGroup(opts.Spawn),
	}, nil
}

// Profile returns the hardware profile the session drives
func (c *Controller) Profile() *profile.Profile {
	return c.profile
}

// ----------------------------
// Scan control
// ----------------------------

// ScanStartOrStop stops a running scan, otherwise starts one
func (c *Controller) ScanStartOrStop() error {
	if c.Scanning() {
		return c.StopScan()
	}
	return c.StartScan()
}

// StartScan clears the device list and starts discovery
func (c *Controller) StartScan() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.scanning {
		c.mu.Unlock()
		c.logger.Debug("Scan already running")
		return nil
	}

	c.clearDevicesLocked()
	c.pruneLinksLocked()
	c.scanning = true
	c.publishLocked(Event{Kind: EventScanning, Scanning: true})
	c.setStatusLocked(StatusScanning)
	filters := c.scanFilters()
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"profile": c.profile.Name,
		"filters": filters,
		"target":  c.opts.TargetName,
	}).Info("Scanning started")

	c.group.Go(c.ctx, "session-scan", func(ctx context.Context) {
		err := c.adapter.Scan(ctx, filters, c.onDeviceDiscovered)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.onScanError(err)
		}
	})
	return nil
}

// StopScan requests the adapter to stop scanning. The flag is cleared once the
// adapter confirms; a failed stop leaves the session scanning.
func (c *Controller) StopScan() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.scanning || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	c.group.Go(c.ctx, "session-stop-scan", func(ctx context.Context) {
		opCtx, cancel := c.opContext(ctx)
		err := c.adapter.StopScan(opCtx)
		cancel()
		c.onScanStopped(err)
	})
	return nil
}

func (c *Controller) onScanStopped(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopping = false
	if err != nil && !errors.Is(err, device.ErrNotScanning) {
		c.logger.WithField("error", err).Error("Failed to stop scan")
		return
	}
	if !c.scanning {
		return
	}
	c.scanning = false
	c.publishLocked(Event{Kind: EventScanning, Scanning: false})
	c.setStatusLocked(StatusStopped)
}

func (c *Controller) onScanError(err error) {
	c.logger.WithField("error", err).Error("Scan failed")

	c.mu.Lock()
	defer c.mu.Unlock()

	c.scanning = false
	c.publishLocked(Event{Kind: EventScanning, Scanning: false})
	c.setStatusLocked(StatusErrorPrefix + err.Error())
	c.publishLocked(Event{Kind: EventNotice, Notice: &Notice{
		Message:  ScanErrorNoticeText,
		Duration: c.opts.NoticeDuration,
	}})
}

func (c *Controller) scanFilters() []string {
	switch {
	case c.opts.Unfiltered:
		return nil
	case len(c.opts.ScanServices) > 0:
		return append([]string(nil), c.opts.ScanServices...)
	default:
		return append([]string(nil), c.profile.ScanServices...)
	}
}

// ----------------------------
// Discovery and connection
// ----------------------------

func (c *Controller) onDeviceDiscovered(adv device.Advertisement) {
	id, name := adv.Addr(), adv.LocalName()

	c.mu.Lock()
	if c.closed || !c.scanning {
		c.mu.Unlock()
		return
	}
	if c.opts.TargetName != "" && name != c.opts.TargetName {
		c.mu.Unlock()
		return
	}
	if l, ok := c.links[id]; ok {
		// Still connected from before the scan restart: show it again without reconnecting
		if _, listed := c.devices.Get(id); l.state.Live() && !listed {
			c.insertRecordLocked(l)
		}
		c.mu.Unlock()
		return
	}

	l := newLink(id, name)
	_ = l.transition(Connecting)
	c.links[id] = l
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address": id,
		"name":    name,
		"rssi":    adv.RSSI(),
	}).Info("Discovered device, connecting")

	c.group.Go(c.ctx, "session-connect", func(ctx context.Context) {
		c.connect(ctx, l)
	})
}

func (c *Controller) connect(ctx context.Context, l *link) {
	opCtx, cancel := c.opContext(ctx)
	p, err := c.adapter.Connect(opCtx, l.id, func(err error) { c.onDisconnect(l, err) })
	cancel()

	if errors.Is(err, device.ErrAlreadyConnected) {
		c.logger.WithField("address", l.id).Debug("Adapter already holds the connection")
		p, err = device.Peripheral{ID: l.id, Name: l.name}, nil
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": l.id,
			"error":   err,
		}).Error("Failed to connect")
		c.markLinkLost(l)
		return
	}

	current, orphaned := c.onConnected(l, p)
	if !current {
		if orphaned {
			c.dropOrphan(ctx, l.id)
		}
		return
	}
	if c.opts.ReadDeviceInfo {
		c.updateInfo(l, c.readDeviceInfo(ctx, l.id))
	}
	c.activate(ctx, l)
}

// onConnected records the connection. It returns current=false when the link was
// torn down or replaced while connecting; orphaned is then true unless another
// live link owns the peripheral.
func (c *Controller) onConnected(l *link, p device.Peripheral) (current, orphaned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.links[l.id]; cur != l {
		return false, cur == nil || cur.state == Lost
	}
	if err := l.transition(Connected); err != nil {
		c.logger.WithField("error", err).Warn("Ignoring connection")
		return false, true
	}
	if p.ID == "" {
		p.ID = l.id
	}
	if p.Name == "" {
		p.Name = l.name
	}
	l.peripheral = p

	c.setStatusLocked(StatusConnectedTo + l.displayName())
	if _, listed := c.devices.Get(l.id); !listed {
		c.insertRecordLocked(l)
	}

	c.logger.WithFields(logrus.Fields{
		"address": l.id,
		"name":    p.Name,
	}).Info("Connected")
	return true, false
}

// dropOrphan disconnects a peripheral whose connect completed after its link was abandoned
func (c *Controller) dropOrphan(ctx context.Context, id string) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.adapter.Disconnect(opCtx, id); err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Warn("Failed to drop abandoned connection")
		return
	}
	c.logger.WithField("address", id).Info("Dropped connection completed after teardown")
}

// activate writes the profile activation (if any) and subscribes to sensor data
func (c *Controller) activate(ctx context.Context, l *link) {
	prof := c.profile

	if prof.Activation != nil {
		if !c.advance(l, Configuring) {
			return
		}
		opCtx, cancel := c.opContext(ctx)
		err := c.adapter.Write(opCtx, l.id, prof.Service, prof.Activation.Characteristic, prof.Activation.Value)
		cancel()
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"address":        l.id,
				"characteristic": prof.Activation.Characteristic,
				"error":          err,
			}).Error("Failed to enable sensor")
			c.markLinkLost(l)
			return
		}
		c.logger.WithField("address", l.id).Debug("Sensor enabled")
	}

	opCtx, cancel := c.opContext(ctx)
	err := c.adapter.Subscribe(opCtx, l.id, prof.Service, prof.Data, func(data []byte) {
		c.onNotification(l.id, data)
	})
	cancel()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address":        l.id,
			"characteristic": prof.Data,
			"error":          err,
		}).Error("Failed to subscribe to sensor notifications")
		c.markLinkLost(l)
		return
	}

	if c.advance(l, Subscribed) {
		c.logger.WithField("address", l.id).Info("Subscribed to sensor notifications")
	}
}

// advance moves a current link forward and mirrors the state on its record
func (c *Controller) advance(l *link, to LinkState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.links[l.id] != l {
		return false
	}
	if err := l.transition(to); err != nil {
		c.logger.WithField("error", err).Warn("Rejected link transition")
		return false
	}
	if rec, ok := c.devices.Get(l.id); ok {
		rec.State = to
		c.publishRecordLocked(EventDeviceUpdated, rec)
	}
	return true
}

// markLinkLost ends the flow for a link after a failure; the record is left as is
func (c *Controller) markLinkLost(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l.state != Lost {
		_ = l.transition(Lost)
	}
}

func (c *Controller) onNotification(id string, data []byte) {
	reading, err := c.profile.Decode(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.devices.Get(id)
	if !ok {
		return
	}
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": id,
			"payload": data,
			"error":   err,
		}).Warn("Failed to decode notification")
		return
	}

	rec.apply(reading, c.opts.Now())
	c.publishRecordLocked(EventDeviceUpdated, rec)
}

func (c *Controller) onDisconnect(l *link, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": l.id,
			"state":   l.state,
			"error":   err,
		}).Warn("Device disconnected")
	} else {
		c.logger.WithField("address", l.id).Debug("Device disconnected on request")
	}

	if c.links[l.id] != l || l.state == Lost {
		return
	}
	_ = l.transition(Lost)

	if c.opts.DisconnectPolicy != MarkLost {
		return
	}
	if rec, ok := c.devices.Get(l.id); ok {
		rec.State = Lost
		rec.clearReading()
		c.publishRecordLocked(EventDeviceLost, rec)
	}
}

// OnDeviceSelected is the surface hook for picking a device. It only logs.
func (c *Controller) OnDeviceSelected(id string) {
	c.logger.WithField("address", id).Debug("Device selected")
}

// ----------------------------
// Teardown
// ----------------------------

// Teardown disconnects every listed device and clears the list whatever the outcome.
// Every link ends Lost, so connects still in flight are dropped when they complete.
func (c *Controller) Teardown() {
	c.mu.Lock()
	ids := make([]string, 0, c.devices.Len())
	for pair := c.devices.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	for _, l := range c.links {
		if l.state != Lost {
			_ = l.transition(Lost)
		}
	}
	c.mu.Unlock()

	c.logger.WithField("devices", len(ids)).Info("Tearing down session")

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		c.opts.Spawn(c.ctx, "session-disconnect", func(ctx context.Context) {
			defer wg.Done()
			opCtx, cancel := c.opContext(ctx)
			defer cancel()
			if err := c.adapter.Disconnect(opCtx, id); err != nil {
				c.logger.WithFields(logrus.Fields{
					"address": id,
					"error":   err,
				}).Warn("Disconnect failed")
				return
			}
			c.logger.WithField("address", id).Info("Disconnected")
		})
	}
	wg.Wait()

	c.mu.Lock()
	c.clearDevicesLocked()
	c.mu.Unlock()
}

// Close cancels in-flight adapter calls, waits for them, and closes all observers
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.group.Wait()

	c.mu.Lock()
	for id, o := range c.observers {
		o.ch.Close()
		delete(c.observers, id)
	}
	c.mu.Unlock()
	return nil
}

// ----------------------------
// Read-only projection
// ----------------------------

// Scanning reports the scanning flag
func (c *Controller) Scanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

// Status returns the status message
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Devices returns copies of the device records in insertion order
func (c *Controller) Devices() []DeviceRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devicesLocked()
}

// Device returns a copy of one record
func (c *Controller) Device(id string) (DeviceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.devices.Get(id)
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// Snapshot returns a consistent copy of the whole session state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Scanning: c.scanning,
		Status:   c.status,
		Devices:  c.devicesLocked(),
	}
}

// LinkState returns the link state of a peripheral seen in this session
func (c *Controller) LinkState(id string) (LinkState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.links[id]
	if !ok {
		return Discovered, false
	}
	return l.state, true
}

// ----------------------------
// Observers
// ----------------------------

// Observe registers an observer holding up to capacity undelivered events
func (c *Controller) Observe(capacity int) *Observer {
	if capacity <= 0 {
		capacity = DefaultObserverCapacity
	}
	o := &Observer{ch: ringchan.New[Event](capacity)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		o.ch.Close()
		return o
	}
	c.nextObsID++
	o.id = c.nextObsID
	c.observers[o.id] = o
	return o
}

// Unobserve removes an observer and closes its channel
func (c *Controller) Unobserve(o *Observer) {
	if o == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.observers[o.id]; ok {
		delete(c.observers, o.id)
		o.ch.Close()
	}
}

// ----------------------------
// Locked helpers
// ----------------------------

func (c *Controller) publishLocked(ev Event) {
	c.seq++
	ev.Seq = c.seq
	ev.Time = c.opts.Now()
	if ev.Kind != EventScanning {
		ev.Scanning = c.scanning
	}
	for _, o := range c.observers {
		o.ch.Send(ev)
	}
}

func (c *Controller) publishRecordLocked(kind EventKind, rec *DeviceRecord) {
	cp := rec.clone()
	c.publishLocked(Event{Kind: kind, DeviceID: rec.ID, Record: &cp})
}

func (c *Controller) setStatusLocked(status string) {
	c.status = status
	c.publishLocked(Event{Kind: EventStatus, Status: status})
}

func (c *Controller) insertRecordLocked(l *link) {
	rec := &DeviceRecord{
		ID:    l.id,
		Name:  l.peripheral.Name,
		State: l.state,
	}
	if rec.Name == "" {
		rec.Name = l.name
	}
	c.devices.Set(l.id, rec)
	c.publishRecordLocked(EventDeviceAdded, rec)
}

func (c *Controller) clearDevicesLocked() {
	if c.devices.Len() == 0 {
		return
	}
	c.devices = orderedmap.New[string, *DeviceRecord]()
	c.publishLocked(Event{Kind: EventDevicesCleared})
}

// pruneLinksLocked forgets links that can no longer deliver data
func (c *Controller) pruneLinksLocked() {
	for id, l := range c.links {
		if l.state == Lost {
			delete(c.links, id)
		}
	}
}

func (c *Controller) devicesLocked() []DeviceRecord {
	out := make([]DeviceRecord, 0, c.devices.Len())
	for pair := c.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.clone())
	}
	return out
}

func (c *Controller) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OperationTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.OperationTimeout)
	}
	return context.WithCancel(ctx)
}
