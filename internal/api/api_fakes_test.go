package api

import (
	"context"
	"sync"
	"time"

	"github.com/modbus-scada/engine/internal/bussession"
	"github.com/modbus-scada/engine/internal/modbus/transport"
	"github.com/modbus-scada/engine/internal/store"
)

type fakeAdapter struct {
	mu       sync.Mutex
	nodes    map[string]store.ConnectionNode
	devices  map[string]store.Device
	tags     map[string]store.Tag
	settings map[string]string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		nodes:    make(map[string]store.ConnectionNode),
		devices:  make(map[string]store.Device),
		tags:     make(map[string]store.Tag),
		settings: make(map[string]string),
	}
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

func (f *fakeAdapter) nodeTreeLocked(id string) (store.NodeTree, error) {
	n, ok := f.nodes[id]
	if !ok {
		return store.NodeTree{}, notFoundErr{}
	}
	tree := store.NodeTree{Node: n}
	for _, d := range f.devices {
		if d.NodeID != id {
			continue
		}
		dt := store.DeviceTree{Device: d}
		for _, tag := range f.tags {
			if tag.DeviceID == d.ID && tag.Enabled {
				dt.Tags = append(dt.Tags, tag)
			}
		}
		tree.Devices = append(tree.Devices, dt)
	}
	return tree, nil
}

func (f *fakeAdapter) ListEnabledNodesWithChildren(ctx context.Context) ([]store.NodeTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.NodeTree
	for _, n := range f.nodes {
		if !n.Enabled {
			continue
		}
		tree, _ := f.nodeTreeLocked(n.ID)
		out = append(out, tree)
	}
	return out, nil
}

func (f *fakeAdapter) GetNodeWithChildren(ctx context.Context, id string) (store.NodeTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeTreeLocked(id)
}

func (f *fakeAdapter) GetNode(ctx context.Context, id string) (store.ConnectionNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return store.ConnectionNode{}, notFoundErr{}
	}
	return n, nil
}

func (f *fakeAdapter) GetDevice(ctx context.Context, id string) (store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return store.Device{}, notFoundErr{}
	}
	return d, nil
}

func (f *fakeAdapter) GetTag(ctx context.Context, id string) (store.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tags[id]
	if !ok {
		return store.Tag{}, notFoundErr{}
	}
	return t, nil
}

func (f *fakeAdapter) ListEnabledTags(ctx context.Context, deviceID string) ([]store.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Tag
	for _, t := range f.tags {
		if t.DeviceID == deviceID && t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeAdapter) SetNodeConnectionStatus(ctx context.Context, nodeID string, status store.ConnectionStatus, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nodes[nodeID]
	n.ConnectionStatus = status
	n.LastError = lastError
	f.nodes[nodeID] = n
	return nil
}

func (f *fakeAdapter) SetDeviceLastPollTime(ctx context.Context, deviceID string, ts time.Time) error {
	return nil
}

func (f *fakeAdapter) AppendHistory(ctx context.Context, deviceID, tagID, textValue string, ts time.Time) error {
	return nil
}

func (f *fakeAdapter) GetSetting(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.settings[key]
	return v, ok, nil
}

func (f *fakeAdapter) SetSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	coils     map[uint16]bool
	timeout   time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{registers: make(map[uint16]uint16), coils: make(map[uint16]bool), timeout: time.Second}
}

func (f *fakeTransport) ReadCoils(addr, count uint16) ([]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, count)
	for i := range out {
		out[i] = f.coils[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadDiscreteInputs(addr, count uint16) ([]bool, error) {
	return f.ReadCoils(addr, count)
}

func (f *fakeTransport) ReadHoldingRegisters(addr, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, count)
	for i := range out {
		out[i] = f.registers[addr+uint16(i)]
	}
	return out, nil
}

func (f *fakeTransport) ReadInputRegisters(addr, count uint16) ([]uint16, error) {
	return f.ReadHoldingRegisters(addr, count)
}

func (f *fakeTransport) WriteSingleCoil(addr uint16, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coils[addr] = on
	return nil
}

func (f *fakeTransport) WriteSingleRegister(addr, word uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers[addr] = word
	return nil
}

func (f *fakeTransport) WriteMultipleRegisters(addr uint16, words []uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, w := range words {
		f.registers[addr+uint16(i)] = w
	}
	return nil
}

func (f *fakeTransport) SetSlave(addr byte) {}

func (f *fakeTransport) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = d
}

func (f *fakeTransport) Timeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeout
}

func (f *fakeTransport) Close() error { return nil }

func fakeOpen(_ transport.PortConfig) (bussession.Transport, error) {
	return newFakeTransport(), nil
}
