// Package engine is the orchestrator: it owns one bussession.BusSession
// per ConnectionNode, routes external commands to the owning session,
// and synthesizes the system-wide State snapshot the Broadcaster
// publishes to observers.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modbus-scada/engine/internal/archiver"
	"github.com/modbus-scada/engine/internal/broadcast"
	"github.com/modbus-scada/engine/internal/bussession"
	"github.com/modbus-scada/engine/internal/cache"
	"github.com/modbus-scada/engine/internal/enginerr"
	"github.com/modbus-scada/engine/internal/health"
	"github.com/modbus-scada/engine/internal/store"
)

// Options configures a new Engine.
type Options struct {
	Adapter     store.Adapter
	Broadcaster *broadcast.Broadcaster
	Cache       *cache.Cache
	Logger      *zap.Logger

	// Open overrides how each session's serial port is opened; tests
	// substitute a fake.
	Open bussession.OpenFunc
}

// Engine is the single entry point for every external control
// operation. All methods are safe for concurrent use.
type Engine struct {
	adapter  store.Adapter
	bc       *broadcast.Broadcaster
	cache    *cache.Cache
	log      *zap.Logger
	openFunc bussession.OpenFunc
	archiver *archiver.Archiver
	health   *health.HealthChecker

	mu         sync.RWMutex
	running    bool
	healthStop context.CancelFunc
	sessions   map[string]*bussession.BusSession
	nodes      map[string]store.ConnectionNode
}

// New constructs an Engine. Call Start to load configuration and begin
// polling; Start also starts the Archiver, and Stop stops it alongside
// every BusSession.
func New(opts Options) *Engine {
	return &Engine{
		adapter:  opts.Adapter,
		bc:       opts.Broadcaster,
		cache:    opts.Cache,
		log:      opts.Logger,
		openFunc: opts.Open,
		archiver: archiver.New(archiver.Options{Adapter: opts.Adapter, Cache: opts.Cache, Logger: opts.Logger}),
		health:   health.NewHealthChecker(),
		sessions: make(map[string]*bussession.BusSession),
		nodes:    make(map[string]store.ConnectionNode),
	}
}

// Health returns the HealthChecker tracking one check per ConnectionNode's
// bus session, consumed by the control API's /health route.
func (e *Engine) Health() *health.HealthChecker {
	return e.health
}

// Start is idempotent: if already running it is a no-op. It loads every
// enabled node, opens a BusSession for each (a failure on one node does
// not prevent the others), and publishes the resulting State snapshot.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	trees, err := e.adapter.ListEnabledNodesWithChildren(ctx)
	if err != nil {
		return fmt.Errorf("engine: start: %w", err)
	}

	for _, tree := range trees {
		e.startNodeSession(ctx, tree.Node)
	}

	if err := e.archiver.Start(ctx); err != nil {
		e.log.Warn("failed to start archiver", zap.Error(err))
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.healthStop = cancel
	e.mu.Unlock()
	e.health.StartPeriodicChecks(healthCtx)

	e.bc.PublishState(e.currentStateSnapshot(ctx))
	return nil
}

func (e *Engine) startNodeSession(ctx context.Context, node store.ConnectionNode) {
	sess := bussession.New(bussession.Options{
		Node:          node,
		Adapter:       e.adapter,
		Cache:         e.cache,
		Broadcaster:   e.bc,
		Logger:        e.log,
		Open:          e.openFunc,
		OnStateChange: func() { e.bc.PublishState(e.currentStateSnapshot(context.Background())) },
	})

	e.mu.Lock()
	e.sessions[node.ID] = sess
	e.nodes[node.ID] = node
	e.mu.Unlock()

	e.health.RegisterCheck("bus:"+node.ID, health.BusSessionHealthCheck(func() (store.ConnectionStatus, string) {
		return sess.Status(), sess.LastError()
	}), 30*time.Second)

	if err := sess.Start(ctx); err != nil {
		e.log.Warn("failed to start bus session", zap.String("nodeId", node.ID), zap.Error(err))
		e.bc.PublishMessage(broadcast.LevelError,
			fmt.Sprintf("%s failed to start", node.Name), enginerr.HumanMessage(err))
	}
}

// Stop is idempotent: it cancels every device timer, closes every
// Transport, marks every previously Connected node Disconnected, and
// stops the Archiver.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	sessions := e.sessions
	e.sessions = make(map[string]*bussession.BusSession)
	e.nodes = make(map[string]store.ConnectionNode)
	healthStop := e.healthStop
	e.healthStop = nil
	e.mu.Unlock()

	if healthStop != nil {
		healthStop()
	}

	e.archiver.Stop()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *bussession.BusSession) {
			defer wg.Done()
			s.Stop(ctx)
		}(sess)
	}
	wg.Wait()

	e.bc.PublishState(e.currentStateSnapshot(ctx))
}

// IsRunning reports whether Start has been called without a matching
// Stop.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// ReloadNode stops the node's session if one exists, then — if the node
// is enabled and the Engine is running — starts a fresh session from
// the current store configuration.
func (e *Engine) ReloadNode(ctx context.Context, nodeID string) error {
	e.mu.Lock()
	if sess, ok := e.sessions[nodeID]; ok {
		delete(e.sessions, nodeID)
		delete(e.nodes, nodeID)
		e.mu.Unlock()
		sess.Stop(ctx)
	} else {
		e.mu.Unlock()
	}

	if !e.IsRunning() {
		return nil
	}

	node, err := e.adapter.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !node.Enabled {
		e.bc.PublishState(e.currentStateSnapshot(ctx))
		return nil
	}

	e.startNodeSession(ctx, node)
	e.bc.PublishState(e.currentStateSnapshot(ctx))
	return nil
}

// ReconnectDevice delegates to the owning BusSession.
func (e *Engine) ReconnectDevice(ctx context.Context, deviceID string) error {
	device, err := e.adapter.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	sess, ok := e.sessionFor(device.NodeID)
	if !ok {
		return enginerr.NotConnected(device.NodeID)
	}
	return sess.ReconnectDevice(ctx, deviceID)
}

// WriteTag validates and performs a write via the owning BusSession and
// returns the confirmed (read-back) value.
func (e *Engine) WriteTag(ctx context.Context, tagID string, value interface{}) (float64, error) {
	tag, err := e.adapter.GetTag(ctx, tagID)
	if err != nil {
		return 0, err
	}
	device, err := e.adapter.GetDevice(ctx, tag.DeviceID)
	if err != nil {
		return 0, err
	}
	sess, ok := e.sessionFor(device.NodeID)
	if !ok {
		return 0, enginerr.NotConnected(device.NodeID)
	}
	return sess.WriteTag(ctx, device, tag, value)
}

// ArchiveInterval returns the cadence the Archiver is currently using (or
// would use on next start, if not yet running).
func (e *Engine) ArchiveInterval(ctx context.Context) time.Duration {
	if e.archiver.IsRunning() {
		return e.archiver.Interval()
	}
	raw, ok, err := e.adapter.GetSetting(ctx, store.SettingArchiveInterval)
	if err != nil || !ok {
		return store.DefaultArchiveInterval
	}
	ms, err := time.ParseDuration(raw + "ms")
	if err != nil || ms < time.Second {
		return store.DefaultArchiveInterval
	}
	return ms
}

// SetArchiveInterval persists a new archiveInterval setting and, if the
// Archiver is running, reloads its cadence so the change applies at the
// next tick boundary.
func (e *Engine) SetArchiveInterval(ctx context.Context, interval time.Duration) error {
	ms := interval.Milliseconds()
	if err := e.adapter.SetSetting(ctx, store.SettingArchiveInterval, strconv.FormatInt(ms, 10)); err != nil {
		return err
	}
	return e.archiver.ReloadInterval(ctx)
}

func (e *Engine) sessionFor(nodeID string) (*bussession.BusSession, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sess, ok := e.sessions[nodeID]
	return sess, ok
}

// StateSnapshot mirrors the wire schema's `state` event payload.
type StateSnapshot struct {
	ModbusManagerStatus ManagerStatus `json:"modbusManagerStatus"`
	Nodes               []NodeState   `json:"nodes"`
}

type ManagerStatus struct {
	IsRunning bool `json:"isRunning"`
}

type NodeState struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	ComPort          string       `json:"comPort"`
	Enabled          bool         `json:"enabled"`
	ConnectionStatus string       `json:"connectionStatus"`
	LastError        string       `json:"lastError,omitempty"`
	Devices          []DeviceState `json:"devices"`
}

type DeviceState struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Address      byte       `json:"address"`
	Enabled      bool       `json:"enabled"`
	LastPollTime *time.Time `json:"lastPollTime,omitempty"`
	Tags         []TagState `json:"tags"`
}

type TagState struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        uint16 `json:"address"`
	RegisterType   string `json:"registerType"`
	AccessType     string `json:"accessType"`
	Enabled        bool   `json:"enabled"`
	DeviceDataType string `json:"deviceDataType"`
	ServerDataType string `json:"serverDataType"`
}

// CurrentStateSnapshot synthesizes a full State snapshot from the store
// plus each session's live connection status.
func (e *Engine) CurrentStateSnapshot(ctx context.Context) StateSnapshot {
	return e.currentStateSnapshot(ctx)
}

func (e *Engine) currentStateSnapshot(ctx context.Context) StateSnapshot {
	trees, err := e.adapter.ListEnabledNodesWithChildren(ctx)
	if err != nil {
		e.log.Warn("failed to build state snapshot", zap.Error(err))
		return StateSnapshot{ModbusManagerStatus: ManagerStatus{IsRunning: e.IsRunning()}}
	}

	snap := StateSnapshot{ModbusManagerStatus: ManagerStatus{IsRunning: e.IsRunning()}}
	for _, tree := range trees {
		ns := NodeState{
			ID: tree.Node.ID, Name: tree.Node.Name, ComPort: tree.Node.ComPort, Enabled: tree.Node.Enabled,
			ConnectionStatus: string(tree.Node.ConnectionStatus), LastError: tree.Node.LastError,
		}
		if sess, ok := e.sessionFor(tree.Node.ID); ok {
			ns.ConnectionStatus = string(sess.Status())
			ns.LastError = sess.LastError()
		}
		for _, dt := range tree.Devices {
			ds := DeviceState{ID: dt.Device.ID, Name: dt.Device.Name, Address: dt.Device.Address, Enabled: dt.Device.Enabled}
			if !dt.Device.LastPollTime.IsZero() {
				lp := dt.Device.LastPollTime
				ds.LastPollTime = &lp
			}
			for _, tag := range dt.Tags {
				ds.Tags = append(ds.Tags, TagState{
					ID: tag.ID, Name: tag.Name, Address: tag.Address,
					RegisterType: string(tag.RegisterKind), AccessType: string(tag.Access),
					Enabled: tag.Enabled, DeviceDataType: tag.DeviceDataType, ServerDataType: tag.ServerDataType,
				})
			}
			ns.Devices = append(ns.Devices, ds)
		}
		snap.Nodes = append(snap.Nodes, ns)
	}
	return snap
}
