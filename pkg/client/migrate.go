// Copyright 2024-2026 Aiku AI

package client

import "time"

// StateSnapshot carries the serializable client state across a hot
// in-process upgrade: the measurement history, the outgoing backlog, and
// the reconnect attempt counter. The session cookie migrates through the
// cookie store, which both generations share.
type StateSnapshot struct {
	Measurements []time.Duration
	Backlog      []OutgoingMessage
	Attempts     int
}

// ExportState captures the migratable state. Pause the client first so
// the backlog is quiescent.
func (c *Client) ExportState() StateSnapshot {
	snap := c.pipeline.Snapshot()
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	return StateSnapshot{
		Measurements: snap.Measurements,
		Backlog:      snap.Backlog,
		Attempts:     attempts,
	}
}

// ImportState loads migrated state into a client that has not connected
// yet.
func (c *Client) ImportState(snap StateSnapshot) {
	c.pipeline.restore(snap.Measurements, snap.Backlog)
	c.mu.Lock()
	c.attempts = snap.Attempts
	c.mu.Unlock()
}

// MigrateState moves the upgrade-surviving state from the old process
// generation's client to the new one: pause the old client, transfer the
// snapshot, shut the old client down. The caller connects the new client
// afterwards.
func MigrateState(old, next *Client) {
	old.Pause()
	next.ImportState(old.ExportState())
	old.Close()
}
