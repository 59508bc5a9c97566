// Copyright 2024-2026 Aiku AI

package client

import (
	"sort"
	"time"
)

// Event is the stable form of one unconsumed protocol message delivered to
// external collaborators.
type Event struct {
	RoomID    string
	Type      string
	Parts     []string
	Timestamp time.Time
}

// EventSink receives dispatched messages and derived lifecycle events.
// Implementations must not call back into the client from within a
// callback; schedule follow-up work instead.
type EventSink interface {
	// HandleMessage is called once per dispatched, unconsumed message.
	HandleMessage(evt Event)
	// Connected fires when the socket opens, before authentication.
	Connected()
	// LoginSucceeded fires when the server confirms our username.
	LoginSucceeded(username string)
	// LoginFailed fires on an authentication failure; a reconnect is
	// already scheduled when it does.
	LoginFailed(reason string)
	// Disconnecting fires when the connection is being torn down.
	Disconnecting(reason string)
	// ServerGroupsChanged fires when the server announces its rank table.
	ServerGroupsChanged(groups []string)
}

// NopSink discards everything. Embed it to implement only the callbacks a
// collaborator cares about.
type NopSink struct{}

func (NopSink) HandleMessage(Event)          {}
func (NopSink) Connected()                   {}
func (NopSink) LoginSucceeded(string)        {}
func (NopSink) LoginFailed(string)           {}
func (NopSink) Disconnecting(string)         {}
func (NopSink) ServerGroupsChanged([]string) {}

// TargetGate lets downstream room/user state veto outgoing messages. A
// message whose target the gate rejects is dropped silently, matching the
// behavior for targets that have disappeared or blocked the bot. A nil
// gate permits everything.
type TargetGate interface {
	RoomOK(roomID string) bool
	UserOK(userID string) bool
}

// ModerationState reports whether a room's moderation word list has been
// fetched. The pipeline refuses to speak in a room before its word list is
// available and transparently fetches it first. A nil state disables the
// prerequisite.
type ModerationState interface {
	WordlistFetched(roomID string) bool
}

// PreProcessor inspects a message before it reaches the event sink and
// returns true to claim it, stopping further delivery. First responder
// wins.
type PreProcessor func(evt Event) (handled bool)

type preProcessorReg struct {
	name     string
	priority int
	order    int
	fn       PreProcessor
}

// sortPreProcessors orders registrations so higher priority values run
// first; ties run in registration order.
func sortPreProcessors(regs []preProcessorReg) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].order < regs[j].order
	})
}
