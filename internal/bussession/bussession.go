// Package bussession implements the per-ConnectionNode runtime: one long
// lived session owns the serial port for its bus, serializes all
// Transport I/O behind a FIFO-fair mutex, and runs one polling goroutine
// per device with write operations taking precedence over polling.
package bussession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modbus-scada/engine/internal/broadcast"
	"github.com/modbus-scada/engine/internal/cache"
	"github.com/modbus-scada/engine/internal/enginerr"
	"github.com/modbus-scada/engine/internal/modbus/codec"
	"github.com/modbus-scada/engine/internal/modbus/transport"
	"github.com/modbus-scada/engine/internal/store"
)

const (
	portStabilizeDelay      = 500 * time.Millisecond
	interTagDelay           = 50 * time.Millisecond
	firstDeviceStagger      = 200 * time.Millisecond
	subsequentDeviceStagger = 300 * time.Millisecond
	postWriteGuardDelay     = 200 * time.Millisecond
	writeReadbackDelay      = 100 * time.Millisecond
	floatWriteStepDelay     = 50 * time.Millisecond
	reconnectStabilizeDelay = 300 * time.Millisecond
	defaultSessionTimeout   = time.Second
	minWriteTimeout         = 3 * time.Second
	pollWaitPollInterval    = 5 * time.Millisecond
)

// deviceRuntime is the live state for one device's poll loop.
type deviceRuntime struct {
	mu sync.Mutex

	device store.Device
	tags   []store.Tag

	pollInFlight bool
	paused       bool // true while a write holds the device
	stopped      bool
	stopCh       chan struct{}

	writeMu sync.Mutex // serializes writers for this device
}

// Options configures a new BusSession.
type Options struct {
	Node        store.ConnectionNode
	Adapter     store.Adapter
	Cache       *cache.Cache
	Broadcaster *broadcast.Broadcaster
	Logger      *zap.Logger

	// OnStateChange, if set, is invoked whenever this session's
	// connection status or device roster changes in a way observers
	// should see reflected in the next State snapshot.
	OnStateChange func()

	// Open overrides how the serial port is opened; tests substitute a
	// fake Transport here.
	Open OpenFunc
}

// BusSession is the runtime for one ConnectionNode's bus.
type BusSession struct {
	node        store.ConnectionNode
	adapter     store.Adapter
	cache       *cache.Cache
	bc          *broadcast.Broadcaster
	log         *zap.Logger
	openFunc    OpenFunc
	onStateChange func()

	busMu *fairMutex

	mu        sync.RWMutex
	transport Transport
	status    store.ConnectionStatus
	lastError string
	devices   map[string]*deviceRuntime
	stopped   bool

	sessionCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a BusSession in the Disconnected state. Call Start to
// open the bus and begin polling.
func New(opts Options) *BusSession {
	if opts.Open == nil {
		opts.Open = Open
	}
	return &BusSession{
		node:          opts.Node,
		adapter:       opts.Adapter,
		cache:         opts.Cache,
		bc:            opts.Broadcaster,
		log:           opts.Logger,
		openFunc:      opts.Open,
		onStateChange: opts.OnStateChange,
		busMu:         newFairMutex(),
		devices:       make(map[string]*deviceRuntime),
		status:        store.Disconnected,
	}
}

// Status returns the session's current connection status.
func (bs *BusSession) Status() store.ConnectionStatus {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.status
}

// LastError returns the human-readable error from the last failed
// connect attempt or fatal bus error, if any.
func (bs *BusSession) LastError() string {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.lastError
}

func (bs *BusSession) setStatus(status store.ConnectionStatus, lastError string) {
	bs.mu.Lock()
	bs.status = status
	bs.lastError = lastError
	bs.mu.Unlock()
}

func (bs *BusSession) persistStatus(ctx context.Context) {
	status, lastError := bs.Status(), bs.LastError()
	if err := bs.adapter.SetNodeConnectionStatus(ctx, bs.node.ID, status, lastError); err != nil {
		bs.log.Warn("failed to persist node connection status",
			zap.String("nodeId", bs.node.ID), zap.Error(err))
	}
}

func (bs *BusSession) notifyStateChange() {
	if bs.onStateChange != nil {
		bs.onStateChange()
	}
}

// Start opens the serial port, waits for it to settle, loads the
// node's current devices and tags, and begins one poll goroutine per
// pollable device.
func (bs *BusSession) Start(ctx context.Context) error {
	bs.setStatus(store.Connecting, "")
	bs.persistStatus(ctx)

	cfg := transport.PortConfig{
		Path:     bs.node.ComPort,
		BaudRate: bs.node.BaudRate,
		DataBits: bs.node.DataBits,
		StopBits: bs.node.StopBits,
		Parity:   transport.Parity(bs.node.Parity),
	}
	t, err := bs.openFunc(cfg)
	if err != nil {
		bs.setStatus(store.ErrorOpen, enginerr.HumanMessage(err))
		bs.persistStatus(ctx)
		bs.bc.PublishMessage(broadcast.LevelError,
			fmt.Sprintf("%s failed to open", bs.node.Name), enginerr.HumanMessage(err))
		bs.notifyStateChange()
		return err
	}

	bs.mu.Lock()
	bs.transport = t
	bs.sessionCtx, bs.cancel = context.WithCancel(context.Background())
	bs.mu.Unlock()

	if !sleepCtx(ctx, portStabilizeDelay) {
		t.Close()
		return ctx.Err()
	}

	tree, err := bs.adapter.GetNodeWithChildren(ctx, bs.node.ID)
	if err != nil {
		bs.setStatus(store.ErrorOpen, "failed to load node configuration")
		bs.persistStatus(ctx)
		t.Close()
		return err
	}

	t.SetTimeout(computeSessionTimeout(tree.Devices))

	bs.setStatus(store.Connected, "")
	bs.persistStatus(ctx)
	bs.notifyStateChange()

	stagger := time.Duration(0)
	for i, dt := range tree.Devices {
		if !dt.Device.Enabled || len(dt.Tags) == 0 {
			continue
		}
		if i == 0 || stagger == 0 {
			stagger = firstDeviceStagger
		} else {
			stagger += subsequentDeviceStagger
		}
		bs.startDevicePoller(dt.Device, dt.Tags, stagger)
	}

	return nil
}

func computeSessionTimeout(devices []store.DeviceTree) time.Duration {
	min := time.Duration(0)
	found := false
	for _, d := range devices {
		if !d.Device.Enabled {
			continue
		}
		if !found || (d.Device.ResponseTimeout > 0 && d.Device.ResponseTimeout < min) {
			min = d.Device.ResponseTimeout
			found = true
		}
	}
	if !found || min <= 0 {
		return defaultSessionTimeout
	}
	return min
}

func (bs *BusSession) startDevicePoller(device store.Device, tags []store.Tag, initialDelay time.Duration) {
	dr := &deviceRuntime{device: device, tags: tags, stopCh: make(chan struct{})}
	bs.mu.Lock()
	bs.devices[device.ID] = dr
	ctx := bs.sessionCtx
	bs.mu.Unlock()

	bs.wg.Add(1)
	go bs.runDevicePoller(ctx, dr, initialDelay)
}

func (bs *BusSession) runDevicePoller(ctx context.Context, dr *deviceRuntime, initialDelay time.Duration) {
	defer bs.wg.Done()

	if !sleepCtx(ctx, initialDelay) {
		return
	}

	bs.pollDeviceOnce(ctx, dr)
	if bs.isDeviceStopped(dr) {
		return
	}

	dr.mu.Lock()
	interval := dr.device.PollInterval
	dr.mu.Unlock()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dr.stopCh:
			return
		case <-ticker.C:
			dr.mu.Lock()
			if dr.stopped || dr.pollInFlight || dr.paused {
				dr.mu.Unlock()
				continue
			}
			dr.pollInFlight = true
			dr.mu.Unlock()

			bs.pollDeviceOnce(ctx, dr)

			dr.mu.Lock()
			dr.pollInFlight = false
			stopped := dr.stopped
			dr.mu.Unlock()
			if stopped {
				return
			}
		}
	}
}

func (bs *BusSession) isDeviceStopped(dr *deviceRuntime) bool {
	dr.mu.Lock()
	defer dr.mu.Unlock()
	return dr.stopped
}

func (bs *BusSession) stopDevice(dr *deviceRuntime) {
	dr.mu.Lock()
	already := dr.stopped
	dr.stopped = true
	dr.mu.Unlock()
	if !already {
		close(dr.stopCh)
	}
}

// pollDeviceOnce reloads the device and its enabled tags, reads each one
// in list order under the bus mutex, records samples, and publishes a
// TagValues event.
func (bs *BusSession) pollDeviceOnce(ctx context.Context, dr *deviceRuntime) {
	dr.mu.Lock()
	lastKnownDevice, lastKnownTags := dr.device, dr.tags
	dr.mu.Unlock()

	device, err := bs.adapter.GetDevice(ctx, lastKnownDevice.ID)
	if err != nil {
		bs.log.Warn("poll cycle: failed to reload device", zap.String("deviceId", lastKnownDevice.ID), zap.Error(err))
		device = lastKnownDevice
	}
	tags, err := bs.adapter.ListEnabledTags(ctx, lastKnownDevice.ID)
	if err != nil {
		bs.log.Warn("poll cycle: failed to reload tags", zap.String("deviceId", lastKnownDevice.ID), zap.Error(err))
		tags = lastKnownTags
	}

	dr.mu.Lock()
	dr.device, dr.tags = device, tags
	dr.mu.Unlock()

	if !device.Enabled || len(tags) == 0 {
		bs.stopDevice(dr)
		return
	}

	bs.mu.RLock()
	t := bs.transport
	bs.mu.RUnlock()

	bs.busMu.Lock()
	t.SetSlave(device.Address)

	samples := make(map[string]store.Sample, len(tags))
	allTimedOut := true
	anySucceeded := false
	for i, tag := range tags {
		if i > 0 {
			time.Sleep(interTagDelay)
		}
		sample, rerr := bs.readTag(t, device, tag)
		samples[tag.ID] = sample
		bs.cache.Put(sample)
		if rerr == nil {
			anySucceeded = true
			allTimedOut = false
		} else if !enginerr.IsKind(rerr, enginerr.KindTimedOut) {
			allTimedOut = false
		}
	}
	bs.busMu.Unlock()

	if err := bs.adapter.SetDeviceLastPollTime(ctx, device.ID, time.Now()); err != nil {
		bs.log.Warn("failed to persist last poll time", zap.String("deviceId", device.ID), zap.Error(err))
	}

	bs.bc.PublishTagValues(broadcast.TagValuesPayload{
		DeviceID:  device.ID,
		Values:    toTagSnapshots(tags, samples),
		Timestamp: time.Now(),
	})

	if allTimedOut && !anySucceeded {
		bs.stopDevice(dr)
		bs.bc.PublishMessage(broadcast.LevelWarning,
			fmt.Sprintf("%s appears offline", device.Name),
			"no tag responded before timing out; polling halted")
		bs.notifyStateChange()
	}
}

func (bs *BusSession) readTag(t Transport, device store.Device, tag store.Tag) (store.Sample, error) {
	dt, err := codec.ParseDataType(tag.DeviceDataType)
	if err != nil {
		return errSample(device.ID, tag.ID, err), err
	}

	var value codec.Value
	switch tag.RegisterKind {
	case store.Coil:
		bits, rerr := t.ReadCoils(tag.Address, 1)
		if rerr != nil {
			return errSample(device.ID, tag.ID, rerr), rerr
		}
		value = codec.DecodeBit(bits[0])

	case store.DiscreteInput:
		bits, rerr := t.ReadDiscreteInputs(tag.Address, 1)
		if rerr != nil {
			return errSample(device.ID, tag.ID, rerr), rerr
		}
		value = codec.DecodeBit(bits[0])

	case store.HoldingRegister:
		words, rerr := t.ReadHoldingRegisters(tag.Address, uint16(dt.Words()))
		if rerr != nil {
			return errSample(device.ID, tag.ID, rerr), rerr
		}
		value, err = codec.DecodeRegisters(words, dt)
		if err != nil {
			return errSample(device.ID, tag.ID, err), err
		}

	case store.InputRegister:
		words, rerr := t.ReadInputRegisters(tag.Address, uint16(dt.Words()))
		if rerr != nil {
			return errSample(device.ID, tag.ID, rerr), rerr
		}
		value, err = codec.DecodeRegisters(words, dt)
		if err != nil {
			return errSample(device.ID, tag.ID, err), err
		}

	default:
		rerr := fmt.Errorf("unknown register kind %q", tag.RegisterKind)
		return errSample(device.ID, tag.ID, rerr), rerr
	}

	if tag.ServerDataType != "" && tag.ServerDataType != tag.DeviceDataType {
		if st, serr := codec.ParseDataType(tag.ServerDataType); serr == nil {
			if widened, werr := codec.Widen(value, dt, st); werr == nil {
				value = widened
			}
		}
	}

	v := value.Float64
	return store.Sample{DeviceID: device.ID, TagID: tag.ID, Value: &v, Timestamp: time.Now()}, nil
}

func errSample(deviceID, tagID string, err error) store.Sample {
	return store.Sample{DeviceID: deviceID, TagID: tagID, Value: nil, Error: enginerr.HumanMessage(err), Timestamp: time.Now()}
}

func toTagSnapshots(tags []store.Tag, samples map[string]store.Sample) map[string]broadcast.TagSnapshot {
	out := make(map[string]broadcast.TagSnapshot, len(tags))
	for _, tag := range tags {
		s := samples[tag.ID]
		out[tag.ID] = broadcast.TagSnapshot{
			TagID: tag.ID, TagName: tag.Name, Value: s.Value, Error: s.Error, Timestamp: s.Timestamp,
		}
	}
	return out
}

// WriteTag validates and performs a write to a ReadWrite tag, then reads
// the address back and returns the confirmed value. Write precedence:
// any in-flight poll is awaited, polling is paused for the duration of
// the write plus a trailing guard delay, and no second write for the
// same device may proceed concurrently.
func (bs *BusSession) WriteTag(ctx context.Context, device store.Device, tag store.Tag, rawValue interface{}) (float64, error) {
	if tag.Access != store.ReadWrite || !tag.Enabled {
		return 0, enginerr.NotWritable("tag is not writable")
	}
	if !tag.RegisterKind.Writable() {
		return 0, enginerr.NotWritable(fmt.Sprintf("%s registers cannot be written", tag.RegisterKind))
	}
	if !device.Enabled {
		return 0, enginerr.NotWritable(fmt.Sprintf("device %q is disabled", device.ID))
	}
	if bs.Status() != store.Connected {
		return 0, enginerr.NotConnected(bs.node.ID)
	}

	value, err := codec.ParseWriteValue(rawValue)
	if err != nil {
		return 0, err
	}

	bs.mu.RLock()
	dr, ok := bs.devices[device.ID]
	t := bs.transport
	bs.mu.RUnlock()
	if !ok || t == nil {
		return 0, enginerr.NotConnected(device.ID)
	}

	bs.acquireWriteLock(dr)
	defer bs.releaseWriteLockAfterGuard(dr)

	bs.busMu.Lock()
	original := t.Timeout()
	writeTimeout := original * 2
	if writeTimeout < minWriteTimeout {
		writeTimeout = minWriteTimeout
	}
	t.SetTimeout(writeTimeout)
	t.SetSlave(device.Address)

	confirmed, werr := bs.performWrite(t, tag, value)

	t.SetTimeout(original)
	bs.busMu.Unlock()

	if werr != nil {
		return 0, werr
	}

	v := confirmed.Float64
	ts := time.Now()
	bs.cache.Put(store.Sample{DeviceID: device.ID, TagID: tag.ID, Value: &v, Timestamp: ts})
	bs.bc.PublishTagValues(broadcast.TagValuesPayload{
		DeviceID: device.ID,
		Values: map[string]broadcast.TagSnapshot{
			tag.ID: {TagID: tag.ID, TagName: tag.Name, Value: &v, Timestamp: ts},
		},
		Timestamp: ts,
	})
	return v, nil
}

func (bs *BusSession) acquireWriteLock(dr *deviceRuntime) {
	dr.writeMu.Lock()
	for {
		dr.mu.Lock()
		if !dr.pollInFlight {
			dr.paused = true
			dr.mu.Unlock()
			return
		}
		dr.mu.Unlock()
		time.Sleep(pollWaitPollInterval)
	}
}

func (bs *BusSession) releaseWriteLockAfterGuard(dr *deviceRuntime) {
	time.Sleep(postWriteGuardDelay)
	dr.mu.Lock()
	dr.paused = false
	dr.mu.Unlock()
	dr.writeMu.Unlock()
}

// performWrite must be called with bs.busMu held and the transport's
// slave already set to the target device.
func (bs *BusSession) performWrite(t Transport, tag store.Tag, value codec.Value) (codec.Value, error) {
	dt, err := codec.ParseDataType(tag.DeviceDataType)
	if err != nil {
		return codec.Value{}, err
	}

	switch tag.RegisterKind {
	case store.Coil:
		on := codec.EncodeBit(value)
		if err := t.WriteSingleCoil(tag.Address, on); err != nil {
			return codec.Value{}, err
		}
		time.Sleep(writeReadbackDelay)
		bits, err := t.ReadCoils(tag.Address, 1)
		if err != nil {
			return codec.Value{}, err
		}
		return codec.DecodeBit(bits[0]), nil

	case store.HoldingRegister:
		words, err := codec.EncodeRegisters(value, dt)
		if err != nil {
			return codec.Value{}, err
		}

		switch {
		case dt == codec.F32:
			if err := t.WriteSingleRegister(tag.Address, words[0]); err != nil {
				return codec.Value{}, err
			}
			time.Sleep(floatWriteStepDelay)
			if err := t.WriteSingleRegister(tag.Address+1, words[1]); err != nil {
				return codec.Value{}, err
			}
		case len(words) == 1:
			if err := t.WriteMultipleRegisters(tag.Address, words); err != nil {
				var e *enginerr.Error
				if errors.As(err, &e) && e.Kind == enginerr.KindModbusException && e.Code == 1 {
					if fbErr := t.WriteSingleRegister(tag.Address, words[0]); fbErr != nil {
						return codec.Value{}, fbErr
					}
				} else {
					return codec.Value{}, err
				}
			}
		default:
			if err := t.WriteMultipleRegisters(tag.Address, words); err != nil {
				return codec.Value{}, err
			}
		}

		time.Sleep(writeReadbackDelay)
		readBack, err := t.ReadHoldingRegisters(tag.Address, uint16(dt.Words()))
		if err != nil {
			return codec.Value{}, err
		}
		return codec.DecodeRegisters(readBack, dt)

	default:
		return codec.Value{}, enginerr.NotWritable(fmt.Sprintf("%s registers cannot be written", tag.RegisterKind))
	}
}

// ReconnectDevice stops the device's current poll loop (if any), reloads
// its configuration, and restarts polling after the reconnect
// stabilization delay if the device is still enabled and the session is
// connected.
func (bs *BusSession) ReconnectDevice(ctx context.Context, deviceID string) error {
	bs.mu.Lock()
	if dr, ok := bs.devices[deviceID]; ok {
		delete(bs.devices, deviceID)
		bs.mu.Unlock()
		bs.stopDevice(dr)
	} else {
		bs.mu.Unlock()
	}

	device, err := bs.adapter.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if !device.Enabled || bs.Status() != store.Connected {
		return nil
	}
	tags, err := bs.adapter.ListEnabledTags(ctx, deviceID)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}

	bs.startDevicePoller(device, tags, reconnectStabilizeDelay)
	return nil
}

// Stop halts every device poller, closes the serial port, and marks the
// session Disconnected. Safe to call once; subsequent calls are no-ops.
func (bs *BusSession) Stop(ctx context.Context) {
	bs.mu.Lock()
	if bs.stopped {
		bs.mu.Unlock()
		return
	}
	bs.stopped = true
	devices := make([]*deviceRuntime, 0, len(bs.devices))
	for _, dr := range bs.devices {
		devices = append(devices, dr)
	}
	t := bs.transport
	cancel := bs.cancel
	bs.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, dr := range devices {
		bs.stopDevice(dr)
	}
	bs.wg.Wait()

	if t != nil {
		t.Close()
	}

	bs.setStatus(store.Disconnected, "")
	bs.persistStatus(ctx)
	bs.notifyStateChange()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
