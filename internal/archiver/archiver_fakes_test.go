package archiver

import (
	"context"
	"sync"
	"time"

	"github.com/modbus-scada/engine/internal/store"
)

type historyEntry struct {
	deviceID, tagID, text string
	ts                    time.Time
}

type fakeAdapter struct {
	mu       sync.Mutex
	nodes    map[string]store.ConnectionNode
	devices  map[string]store.Device
	tags     map[string]store.Tag
	settings map[string]string
	history  []historyEntry
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

func (f *fakeAdapter) ListEnabledNodesWithChildren(ctx context.Context) ([]store.NodeTree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.NodeTree
	for _, n := range f.nodes {
		if !n.Enabled {
			continue
		}
		tree := store.NodeTree{Node: n}
		for _, d := range f.devices {
			if d.NodeID != n.ID {
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
		out = append(out, tree)
	}
	return out, nil
}

func (f *fakeAdapter) GetNodeWithChildren(ctx context.Context, id string) (store.NodeTree, error) {
	trees, _ := f.ListEnabledNodesWithChildren(ctx)
	for _, t := range trees {
		if t.Node.ID == id {
			return t, nil
		}
	}
	return store.NodeTree{}, notFoundErr{}
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
	return nil
}

func (f *fakeAdapter) SetDeviceLastPollTime(ctx context.Context, deviceID string, ts time.Time) error {
	return nil
}

func (f *fakeAdapter) AppendHistory(ctx context.Context, deviceID, tagID, textValue string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, historyEntry{deviceID: deviceID, tagID: tagID, text: textValue, ts: ts})
	return nil
}

func (f *fakeAdapter) historyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history)
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
