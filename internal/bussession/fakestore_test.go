package bussession

import (
	"context"
	"sync"
	"time"

	"github.com/modbus-scada/engine/internal/store"
)

// fakeAdapter is an in-memory store.Adapter for tests.
type fakeAdapter struct {
	mu sync.Mutex

	nodes   map[string]store.ConnectionNode
	devices map[string]store.Device
	tags    map[string]store.Tag
	history []store.HistoryRecord
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

func (f *fakeAdapter) GetNode(ctx context.Context, id string) (store.ConnectionNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[id]
	if !ok {
		return store.ConnectionNode{}, errNotFoundFake
	}
	return n, nil
}

func (f *fakeAdapter) GetDevice(ctx context.Context, id string) (store.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return store.Device{}, errNotFoundFake
	}
	return d, nil
}

func (f *fakeAdapter) GetTag(ctx context.Context, id string) (store.Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tags[id]
	if !ok {
		return store.Tag{}, errNotFoundFake
	}
	return t, nil
}

func (f *fakeAdapter) GetNodeWithChildren(ctx context.Context, id string) (store.NodeTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodeTreeLocked(id)
}

func (f *fakeAdapter) nodeTreeLocked(nodeID string) (store.NodeTree, error) {
	n, ok := f.nodes[nodeID]
	if !ok {
		return store.NodeTree{}, errNotFoundFake
	}
	tree := store.NodeTree{Node: n}
	for _, d := range f.devices {
		if d.NodeID != nodeID {
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
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.devices[deviceID]
	d.LastPollTime = ts
	f.devices[deviceID] = d
	return nil
}

func (f *fakeAdapter) AppendHistory(ctx context.Context, deviceID, tagID, textValue string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, store.HistoryRecord{DeviceID: deviceID, TagID: tagID, Value: textValue, Timestamp: ts})
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

type fakeNotFoundErr struct{}

func (fakeNotFoundErr) Error() string { return "not found" }

var errNotFoundFake error = fakeNotFoundErr{}
