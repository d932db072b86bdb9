// Package sqlite is the concrete store.Adapter backing this engine:
// database/sql over github.com/mattn/go-sqlite3, parameterized queries,
// and an explicit schema migration on open.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/modbus-scada/engine/internal/store"
)

// Store implements store.Adapter over a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		com_port TEXT NOT NULL,
		baud_rate INTEGER NOT NULL,
		data_bits INTEGER NOT NULL,
		stop_bits INTEGER NOT NULL,
		parity TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		connection_status TEXT NOT NULL DEFAULT 'disconnected',
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL REFERENCES nodes(id),
		name TEXT NOT NULL,
		address INTEGER NOT NULL,
		response_timeout_ms INTEGER NOT NULL,
		poll_interval_ms INTEGER NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_poll_time DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_devices_node ON devices(node_id);

	CREATE TABLE IF NOT EXISTS tags (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id),
		name TEXT NOT NULL,
		address INTEGER NOT NULL,
		register_kind TEXT NOT NULL,
		device_data_type TEXT NOT NULL,
		server_data_type TEXT NOT NULL,
		access TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_tags_device ON tags(device_id);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		tag_id TEXT NOT NULL,
		value TEXT NOT NULL,
		ts DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_tag_ts ON history(tag_id, ts);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store/sqlite: migrate: %w", err)
	}
	return nil
}

func (s *Store) ListEnabledNodesWithChildren(ctx context.Context) ([]store.NodeTree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, com_port, baud_rate, data_bits, stop_bits, parity, enabled, connection_status, last_error
		FROM nodes WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list nodes: %w", err)
	}
	defer rows.Close()

	var trees []store.NodeTree
	for rows.Next() {
		var n store.ConnectionNode
		var enabled int
		if err := rows.Scan(&n.ID, &n.Name, &n.ComPort, &n.BaudRate, &n.DataBits, &n.StopBits, &n.Parity, &enabled, &n.ConnectionStatus, &n.LastError); err != nil {
			return nil, fmt.Errorf("store/sqlite: scan node: %w", err)
		}
		n.Enabled = enabled != 0

		devices, err := s.listDevicesWithTags(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		trees = append(trees, store.NodeTree{Node: n, Devices: devices})
	}
	return trees, rows.Err()
}

func (s *Store) listDevicesWithTags(ctx context.Context, nodeID string) ([]store.DeviceTree, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, name, address, response_timeout_ms, poll_interval_ms, enabled, last_poll_time
		FROM devices WHERE node_id = ? ORDER BY id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list devices: %w", err)
	}
	defer rows.Close()

	var out []store.DeviceTree
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		tags, err := s.ListEnabledTags(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, store.DeviceTree{Device: d, Tags: tags})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(r rowScanner) (store.Device, error) {
	var d store.Device
	var enabled int
	var respMS, pollMS int64
	var lastPoll sql.NullTime
	if err := r.Scan(&d.ID, &d.NodeID, &d.Name, &d.Address, &respMS, &pollMS, &enabled, &lastPoll); err != nil {
		return store.Device{}, fmt.Errorf("store/sqlite: scan device: %w", err)
	}
	d.Enabled = enabled != 0
	d.ResponseTimeout = time.Duration(respMS) * time.Millisecond
	d.PollInterval = time.Duration(pollMS) * time.Millisecond
	if lastPoll.Valid {
		d.LastPollTime = lastPoll.Time
	}
	return d, nil
}

func (s *Store) GetNodeWithChildren(ctx context.Context, id string) (store.NodeTree, error) {
	n, err := s.GetNode(ctx, id)
	if err != nil {
		return store.NodeTree{}, err
	}
	devices, err := s.listDevicesWithTags(ctx, n.ID)
	if err != nil {
		return store.NodeTree{}, err
	}
	return store.NodeTree{Node: n, Devices: devices}, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (store.ConnectionNode, error) {
	var n store.ConnectionNode
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, com_port, baud_rate, data_bits, stop_bits, parity, enabled, connection_status, last_error
		FROM nodes WHERE id = ?`, id).
		Scan(&n.ID, &n.Name, &n.ComPort, &n.BaudRate, &n.DataBits, &n.StopBits, &n.Parity, &enabled, &n.ConnectionStatus, &n.LastError)
	if err == sql.ErrNoRows {
		return store.ConnectionNode{}, fmt.Errorf("store/sqlite: node %q: %w", id, errNotFound)
	}
	if err != nil {
		return store.ConnectionNode{}, fmt.Errorf("store/sqlite: get node: %w", err)
	}
	n.Enabled = enabled != 0
	return n, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (store.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, node_id, name, address, response_timeout_ms, poll_interval_ms, enabled, last_poll_time
		FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Device{}, fmt.Errorf("store/sqlite: device %q: %w", id, errNotFound)
	}
	return d, err
}

func (s *Store) GetTag(ctx context.Context, id string) (store.Tag, error) {
	var t store.Tag
	var enabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, name, address, register_kind, device_data_type, server_data_type, access, enabled
		FROM tags WHERE id = ?`, id).
		Scan(&t.ID, &t.DeviceID, &t.Name, &t.Address, &t.RegisterKind, &t.DeviceDataType, &t.ServerDataType, &t.Access, &enabled)
	if err == sql.ErrNoRows {
		return store.Tag{}, fmt.Errorf("store/sqlite: tag %q: %w", id, errNotFound)
	}
	if err != nil {
		return store.Tag{}, fmt.Errorf("store/sqlite: get tag: %w", err)
	}
	t.Enabled = enabled != 0
	return t, nil
}

func (s *Store) ListEnabledTags(ctx context.Context, deviceID string) ([]store.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, address, register_kind, device_data_type, server_data_type, access, enabled
		FROM tags WHERE device_id = ? AND enabled = 1 ORDER BY rowid`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: list tags: %w", err)
	}
	defer rows.Close()

	var out []store.Tag
	for rows.Next() {
		var t store.Tag
		var enabled int
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Name, &t.Address, &t.RegisterKind, &t.DeviceDataType, &t.ServerDataType, &t.Access, &enabled); err != nil {
			return nil, fmt.Errorf("store/sqlite: scan tag: %w", err)
		}
		t.Enabled = enabled != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SetNodeConnectionStatus(ctx context.Context, nodeID string, status store.ConnectionStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET connection_status = ?, last_error = ? WHERE id = ?`, status, lastError, nodeID)
	if err != nil {
		return fmt.Errorf("store/sqlite: set connection status: %w", err)
	}
	return nil
}

func (s *Store) SetDeviceLastPollTime(ctx context.Context, deviceID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET last_poll_time = ? WHERE id = ?`, ts, deviceID)
	if err != nil {
		return fmt.Errorf("store/sqlite: set last poll time: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, deviceID, tagID, textValue string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO history (device_id, tag_id, value, ts) VALUES (?, ?, ?, ?)`, deviceID, tagID, textValue, ts)
	if err != nil {
		return fmt.Errorf("store/sqlite: append history: %w", err)
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store/sqlite: get setting: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store/sqlite: set setting: %w", err)
	}
	return nil
}

// --- fixture helpers used by CRUD callers (out-of-scope REST layer) and tests ---

// CreateNode inserts a new ConnectionNode, minting its ID.
func (s *Store) CreateNode(ctx context.Context, n store.ConnectionNode) (string, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.ConnectionStatus == "" {
		n.ConnectionStatus = store.Disconnected
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, com_port, baud_rate, data_bits, stop_bits, parity, enabled, connection_status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Name, n.ComPort, n.BaudRate, n.DataBits, n.StopBits, n.Parity, boolToInt(n.Enabled), n.ConnectionStatus, n.LastError)
	if err != nil {
		return "", fmt.Errorf("store/sqlite: create node: %w", err)
	}
	return n.ID, nil
}

// CreateDevice inserts a new Device under an existing node, minting its ID.
func (s *Store) CreateDevice(ctx context.Context, d store.Device) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, node_id, name, address, response_timeout_ms, poll_interval_ms, enabled, last_poll_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.NodeID, d.Name, d.Address, d.ResponseTimeout.Milliseconds(), d.PollInterval.Milliseconds(), boolToInt(d.Enabled), nullableTime(d.LastPollTime))
	if err != nil {
		return "", fmt.Errorf("store/sqlite: create device: %w", err)
	}
	return d.ID, nil
}

// CreateTag inserts a new Tag under an existing device, minting its ID.
func (s *Store) CreateTag(ctx context.Context, t store.Tag) (string, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, device_id, name, address, register_kind, device_data_type, server_data_type, access, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DeviceID, t.Name, t.Address, t.RegisterKind, t.DeviceDataType, t.ServerDataType, t.Access, boolToInt(t.Enabled))
	if err != nil {
		return "", fmt.Errorf("store/sqlite: create tag: %w", err)
	}
	return t.ID, nil
}

// DeleteNode cascades to its devices and their tags.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/sqlite: delete node: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE device_id IN (SELECT id FROM devices WHERE node_id = ?)`, id); err != nil {
		return fmt.Errorf("store/sqlite: delete node tags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("store/sqlite: delete node devices: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store/sqlite: delete node: %w", err)
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

var errNotFound = fmt.Errorf("not found")
