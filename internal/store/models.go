// Package store defines the domain entities (ConnectionNode, Device, Tag,
// HistoryRecord, SystemSettings) and the StoreAdapter interface the engine
// consumes. It owns no persistence logic itself; internal/store/sqlite
// provides the concrete implementation.
package store

import "time"

// RegisterKind is the closed set of Modbus register kinds a Tag can read or
// write.
type RegisterKind string

const (
	HoldingRegister RegisterKind = "holding_register"
	InputRegister   RegisterKind = "input_register"
	Coil            RegisterKind = "coil"
	DiscreteInput   RegisterKind = "discrete_input"
)

// Writable reports whether this register kind accepts writes at the
// protocol level (independent of a Tag's own Access setting).
func (k RegisterKind) Writable() bool {
	return k == HoldingRegister || k == Coil
}

// IsBit reports whether this register kind is single-bit (coil/discrete)
// as opposed to a 16-bit register.
func (k RegisterKind) IsBit() bool {
	return k == Coil || k == DiscreteInput
}

// Access is whether a tag may be written by clients.
type Access string

const (
	ReadOnly  Access = "read_only"
	ReadWrite Access = "read_write"
)

// Parity mirrors transport.Parity at the persisted-entity level, kept
// distinct so the store package has no dependency on the transport
// package.
type Parity string

const (
	ParityNone Parity = "none"
	ParityEven Parity = "even"
	ParityOdd  Parity = "odd"
)

// ConnectionStatus is the BusSession lifecycle state persisted against a
// ConnectionNode.
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	ErrorOpen    ConnectionStatus = "error_open"
	ErrorBus     ConnectionStatus = "error_bus"
)

// ConnectionNode is one physical serial port / RS-485 bus.
type ConnectionNode struct {
	ID               string
	Name             string
	ComPort          string
	BaudRate         int
	DataBits         int // 7 or 8
	StopBits         int // 1 or 2
	Parity           Parity
	Enabled          bool
	ConnectionStatus ConnectionStatus
	LastError        string
}

// Device is one Modbus slave attached to a ConnectionNode's bus.
type Device struct {
	ID              string
	NodeID          string
	Name            string
	Address         byte // Modbus unit ID, 1-247
	ResponseTimeout time.Duration
	PollInterval    time.Duration
	Enabled         bool
	LastPollTime    time.Time
}

// Tag is a typed view over one register (or register pair) of a Device.
type Tag struct {
	ID             string
	DeviceID       string
	Name           string
	Address        uint16
	RegisterKind   RegisterKind
	DeviceDataType string // codec.DataType value
	ServerDataType string // codec.DataType value
	Access         Access
	Enabled        bool
}

// Sample is the transient result of one read (or write read-back) of a tag.
type Sample struct {
	TagID     string
	DeviceID  string
	Value     *float64 // nil iff the attempt failed
	Error     string   // populated only when Value is nil
	Timestamp time.Time
}

// HistoryRecord is one archived observation of a tag's value.
type HistoryRecord struct {
	DeviceID  string
	TagID     string
	Value     string // textual rendering
	Timestamp time.Time
}

// NodeTree is a ConnectionNode with its devices and each device's tags
// eagerly loaded, as returned by ListEnabledNodesWithChildren.
type NodeTree struct {
	Node    ConnectionNode
	Devices []DeviceTree
}

// DeviceTree is a Device with its tags eagerly loaded.
type DeviceTree struct {
	Device Device
	Tags   []Tag
}

const (
	// SettingArchiveInterval is the recognized SystemSettings key for the
	// Archiver's cadence, in milliseconds.
	SettingArchiveInterval = "archiveInterval"

	// DefaultArchiveInterval is used when the setting is absent.
	DefaultArchiveInterval = 60000 * time.Millisecond
)
