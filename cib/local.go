// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cib

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/codec"
)

// schema creates the local store tables. History records keep their
// lookup keys in indexed columns; the full record travels as a
// zstd-compressed CBOR blob.
const schema = `
CREATE TABLE IF NOT EXISTS resource_history (
    node      TEXT NOT NULL,
    resource  TEXT NOT NULL,
    op_key    TEXT NOT NULL,
    call_id   INTEGER NOT NULL,
    record    BLOB NOT NULL,
    PRIMARY KEY (node, resource, op_key)
);

CREATE TABLE IF NOT EXISTS node_state (
    node        TEXT PRIMARY KEY,
    liveness    TEXT NOT NULL,
    expected    TEXT NOT NULL,
    fenced_by   TEXT,
    updated_at  INTEGER NOT NULL,
    quorum_override INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attributes (
    node   TEXT NOT NULL,
    name   TEXT NOT NULL,
    value  TEXT NOT NULL,
    PRIMARY KEY (node, name)
);
`

// zstd round-trip codecs. Stateless (nil writer/reader), shared by
// every Local instance.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cib: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cib: zstd decoder initialization failed: " + err.Error())
	}
}

// Compile-time interface checks.
var (
	_ Store          = (*Local)(nil)
	_ AttributeStore = (*Local)(nil)
)

// Local is the SQLite-backed node-local store. It is loop-confined:
// one connection, used only from the owning event loop.
type Local struct {
	conn   *sqlite.Conn
	logger *slog.Logger
	clock  clock.Clock
}

// OpenLocal opens (creating if necessary) the local store at path.
// Use ":memory:" in tests.
func OpenLocal(path string, logger *slog.Logger, clk clock.Clock) (*Local, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("opening local store %s: %w", path, err)
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying local store schema: %w", err)
	}
	return &Local{
		conn:   conn,
		logger: logger.With("component", "cib-local"),
		clock:  clk,
	}, nil
}

// Close releases the underlying connection.
func (l *Local) Close() error { return l.conn.Close() }

// UpdateResourceHistory upserts one history record.
func (l *Local) UpdateResourceHistory(record HistoryRecord, opts UpdateOptions) error {
	encoded, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding history record %s: %w", record.OpKey, err)
	}
	blob := zstdEncoder.EncodeAll(encoded, nil)

	err = sqlitex.Execute(l.conn, `
		INSERT INTO resource_history (node, resource, op_key, call_id, record)
		VALUES (:node, :resource, :op_key, :call_id, :record)
		ON CONFLICT (node, resource, op_key) DO UPDATE
		SET call_id = excluded.call_id, record = excluded.record`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":node":     record.Node,
				":resource": record.Resource,
				":op_key":   record.OpKey,
				":call_id":  record.CallID,
				":record":   blob,
			},
		})
	if err != nil {
		return fmt.Errorf("writing history for %s on %s: %w", record.OpKey, record.Node, err)
	}
	return nil
}

// EraseResourceHistory deletes the record only if the stored call id
// matches. Stale deletes are silent no-ops.
func (l *Local) EraseResourceHistory(node, resource, opKey string, callID int) error {
	err := sqlitex.Execute(l.conn, `
		DELETE FROM resource_history
		WHERE node = :node AND resource = :resource
		  AND op_key = :op_key AND call_id = :call_id`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":node":     node,
				":resource": resource,
				":op_key":   opKey,
				":call_id":  callID,
			},
		})
	if err != nil {
		return fmt.Errorf("erasing history %s on %s: %w", opKey, node, err)
	}
	if l.conn.Changes() == 0 {
		l.logger.Debug("stale history erase ignored",
			"node", node, "op_key", opKey, "call_id", callID)
	}
	return nil
}

// PurgeResource removes every record for the resource on the node.
func (l *Local) PurgeResource(node, resource string) error {
	err := sqlitex.Execute(l.conn,
		`DELETE FROM resource_history WHERE node = :node AND resource = :resource`,
		&sqlitex.ExecOptions{Named: map[string]any{":node": node, ":resource": resource}})
	if err != nil {
		return fmt.Errorf("purging history of %s on %s: %w", resource, node, err)
	}
	return nil
}

// PurgeNodeHistory removes every record for the node.
func (l *Local) PurgeNodeHistory(node string) error {
	err := sqlitex.Execute(l.conn,
		`DELETE FROM resource_history WHERE node = :node`,
		&sqlitex.ExecOptions{Named: map[string]any{":node": node}})
	if err != nil {
		return fmt.Errorf("purging node history of %s: %w", node, err)
	}
	return nil
}

// History returns the decoded record for (node, resource, opKey), or
// nil if absent.
func (l *Local) History(node, resource, opKey string) (*HistoryRecord, error) {
	var record *HistoryRecord
	err := sqlitex.Execute(l.conn, `
		SELECT record FROM resource_history
		WHERE node = :node AND resource = :resource AND op_key = :op_key`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":node": node, ":resource": resource, ":op_key": opKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				decoded, err := zstdDecoder.DecodeAll(blob, nil)
				if err != nil {
					return fmt.Errorf("decompressing history record: %w", err)
				}
				record = &HistoryRecord{}
				return codec.Unmarshal(decoded, record)
			},
		})
	if err != nil {
		return nil, fmt.Errorf("reading history %s on %s: %w", opKey, node, err)
	}
	return record, nil
}

// NodeHistoryCount returns the number of history records for the node.
func (l *Local) NodeHistoryCount(node string) (int, error) {
	count := 0
	err := sqlitex.Execute(l.conn,
		`SELECT COUNT(*) FROM resource_history WHERE node = :node`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":node": node},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("counting history of %s: %w", node, err)
	}
	return count, nil
}

// RecordFencingOutcome writes the target's node-state row: lost,
// expected down, fenced by origin.
func (l *Local) RecordFencingOutcome(target, origin string, opts UpdateOptions) error {
	override := 0
	if opts.QuorumOverride {
		override = 1
	}
	err := sqlitex.Execute(l.conn, `
		INSERT INTO node_state (node, liveness, expected, fenced_by, updated_at, quorum_override)
		VALUES (:node, 'lost', 'down', :origin, :at, :override)
		ON CONFLICT (node) DO UPDATE
		SET liveness = 'lost', expected = 'down', fenced_by = excluded.fenced_by,
		    updated_at = excluded.updated_at, quorum_override = excluded.quorum_override`,
		&sqlitex.ExecOptions{
			Named: map[string]any{
				":node":     target,
				":origin":   origin,
				":at":       l.clock.Now().Unix(),
				":override": override,
			},
		})
	if err != nil {
		return fmt.Errorf("recording fencing outcome for %s: %w", target, err)
	}
	return nil
}

// SetProbed sets or clears the node's "has been probed" flag.
func (l *Local) SetProbed(node string, probed bool) error {
	if probed {
		return l.Set(node, "probe-complete", "true")
	}
	return l.Delete(node, "probe-complete")
}

// Probed reports the node's "has been probed" flag.
func (l *Local) Probed(node string) (bool, error) {
	value, err := l.Attribute(node, "probe-complete")
	return value == "true", err
}

// SetLastRefresh records the node's history-refresh timestamp.
func (l *Local) SetLastRefresh(node string, at time.Time) error {
	return l.Set(node, "last-history-refresh", fmt.Sprintf("%d", at.Unix()))
}

// Set writes one attribute.
func (l *Local) Set(node, name, value string) error {
	err := sqlitex.Execute(l.conn, `
		INSERT INTO attributes (node, name, value) VALUES (:node, :name, :value)
		ON CONFLICT (node, name) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Named: map[string]any{":node": node, ":name": name, ":value": value}})
	if err != nil {
		return fmt.Errorf("setting attribute %s on %s: %w", name, node, err)
	}
	return nil
}

// Delete removes one attribute. Deleting an absent attribute is a
// no-op.
func (l *Local) Delete(node, name string) error {
	err := sqlitex.Execute(l.conn,
		`DELETE FROM attributes WHERE node = :node AND name = :name`,
		&sqlitex.ExecOptions{Named: map[string]any{":node": node, ":name": name}})
	if err != nil {
		return fmt.Errorf("deleting attribute %s on %s: %w", name, node, err)
	}
	return nil
}

// Attribute reads one attribute; absent attributes return "".
func (l *Local) Attribute(node, name string) (string, error) {
	value := ""
	err := sqlitex.Execute(l.conn,
		`SELECT value FROM attributes WHERE node = :node AND name = :name`,
		&sqlitex.ExecOptions{
			Named: map[string]any{":node": node, ":name": name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("reading attribute %s on %s: %w", name, node, err)
	}
	return value, nil
}
