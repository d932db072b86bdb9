package store

import (
	"context"
	"time"
)

// Adapter is the narrow interface the engine consumes over the persistent
// configuration and history repositories. All operations are fallible;
// the engine degrades gracefully on persistence errors except as noted
// per-method.
type Adapter interface {
	// ListEnabledNodesWithChildren returns every enabled ConnectionNode
	// with its devices and each device's enabled tags eagerly loaded.
	ListEnabledNodesWithChildren(ctx context.Context) ([]NodeTree, error)

	GetNode(ctx context.Context, id string) (ConnectionNode, error)
	GetDevice(ctx context.Context, id string) (Device, error)
	GetTag(ctx context.Context, id string) (Tag, error)

	// GetNodeWithChildren loads one node's devices and each device's
	// enabled tags, used when a single node is (re)started without
	// reloading every other node.
	GetNodeWithChildren(ctx context.Context, id string) (NodeTree, error)

	// ListEnabledTags returns the current enabled tag list for a device,
	// in stable (creation) order, used at the top of each poll cycle.
	ListEnabledTags(ctx context.Context, deviceID string) ([]Tag, error)

	SetNodeConnectionStatus(ctx context.Context, nodeID string, status ConnectionStatus, lastError string) error
	SetDeviceLastPollTime(ctx context.Context, deviceID string, ts time.Time) error

	AppendHistory(ctx context.Context, deviceID, tagID, textValue string, ts time.Time) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}
