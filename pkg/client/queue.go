// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxMessageSize is the protocol's maximum single outgoing payload. A
// message of exactly this size is already rejected.
const MaxMessageSize = 100 * 1024

// Semantic tags for outgoing messages. Echo predicates key on these.
const (
	TagChat            = "chat"
	TagChatHTML        = "chat-html"
	TagChatUHTML       = "chat-uhtml"
	TagPM              = "pm"
	TagJoinRoom        = "join-room"
	TagLeaveRoom       = "leave-room"
	TagWordlistRequest = "wordlist-request"
	TagRoomInfo        = "room-info"
	TagUserDetails     = "user-details"
	TagTournamentCap   = "tournament-cap"
)

// Contract-violation errors raised synchronously from Send. These indicate
// a collaborator bug, not an environmental condition.
var (
	ErrEmptyMessage    = errors.New("outgoing message has empty text")
	ErrMessageTooLarge = fmt.Errorf("outgoing message exceeds the %d byte protocol limit", MaxMessageSize)
)

// OutgoingMessage is one command headed for the server. It is immutable
// once transmitted except for SentTime, which the pipeline stamps.
type OutgoingMessage struct {
	// Text is the exact wire payload, including any leading room scope.
	Text string
	// Tag identifies the semantic type for echo matching.
	Tag string
	// RoomID and UserID are the optional targets, in canonical ID form.
	RoomID string
	UserID string
	// Measure asks the pipeline to time the round trip to this message's
	// echo and feed it into the adaptive delay.
	Measure bool
	// SlowerCommand selects the queue-depth pacing value instead of the
	// measured one, for commands the server is known to process slowly.
	SlowerCommand bool
	// FilterSend, if set, is evaluated just before transmission; the
	// message is dropped silently when it returns false.
	FilterSend func() bool
	// SentTime is stamped at transmission when Measure is set.
	SentTime time.Time
}

// QueueSnapshot is a point-in-time view of the pipeline for observability
// and state migration.
type QueueSnapshot struct {
	InFlight     *OutgoingMessage
	Backlog      []OutgoingMessage
	Paced        bool
	Paused       bool
	Throttle     time.Duration
	Measurements []time.Duration
}

// Pipeline enforces the one-in-flight invariant and adaptive send pacing.
// All mutation happens under its mutex through the public operations;
// timer callbacks re-enter through the same lock.
type Pipeline struct {
	log        zerolog.Logger
	write      func(text string) error
	gate       TargetGate
	moderation ModerationState
	now        func() time.Time

	mu        sync.Mutex
	profile   RateProfile
	window    MeasurementWindow
	backlog   []*OutgoingMessage
	inFlight  *OutgoingMessage
	timer     *time.Timer
	paced     bool
	paused    bool
	lastDelay time.Duration
}

// NewPipeline creates a pipeline that hands wire text to write. gate and
// moderation may be nil.
func NewPipeline(profile RateProfile, write func(string) error, gate TargetGate, moderation ModerationState, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		log:        log.With().Str("component", "pipeline").Logger(),
		write:      write,
		gate:       gate,
		moderation: moderation,
		now:        time.Now,
		profile:    profile,
	}
}

// Send queues one message and transmits as far as pacing allows. It
// returns a contract error for empty or oversized text; a paced, paused or
// occupied pipeline keeps the message in the backlog and returns nil
// immediately. Order is strictly FIFO, including across a state migration.
func (p *Pipeline) Send(msg *OutgoingMessage) error {
	if msg.Text == "" {
		return ErrEmptyMessage
	}
	if p.ExceedsMessageSizeLimit(msg.Text) {
		return ErrMessageTooLarge
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backlog = append(p.backlog, msg)
	p.drain()
	return nil
}

// ExceedsMessageSizeLimit reports whether text is too large to transmit.
func (p *Pipeline) ExceedsMessageSizeLimit(text string) bool {
	return len(text) >= MaxMessageSize
}

// transmit sends one message, or drops it per the gate and filter rules.
// Caller holds the lock.
func (p *Pipeline) transmit(msg *OutgoingMessage) {
	// A room we have not fetched the moderation word list for cannot be
	// spoken in safely; fetch it first and put the message back at the
	// head so its order among the other queued messages is unchanged.
	// Joins and leaves are exempt: fetching a word list requires room
	// membership, so gating the join on it would deadlock.
	if msg.RoomID != "" && p.moderation != nil && !p.moderation.WordlistFetched(msg.RoomID) &&
		msg.Tag != TagWordlistRequest && msg.Tag != TagJoinRoom && msg.Tag != TagLeaveRoom {
		p.backlog = append([]*OutgoingMessage{msg}, p.backlog...)
		msg = wordlistRequest(msg.RoomID)
	}
	if p.gate != nil {
		if msg.RoomID != "" && !p.gate.RoomOK(msg.RoomID) {
			p.log.Debug().Str("tag", msg.Tag).Str("room_id", msg.RoomID).Msg("Dropping message for unavailable room")
			return
		}
		if msg.UserID != "" && !p.gate.UserOK(msg.UserID) {
			p.log.Debug().Str("tag", msg.Tag).Str("user_id", msg.UserID).Msg("Dropping message for unavailable user")
			return
		}
	}
	if msg.FilterSend != nil && !msg.FilterSend() {
		p.log.Debug().Str("tag", msg.Tag).Msg("Message filtered before transmission")
		return
	}
	if err := p.write(msg.Text); err != nil {
		// The socket is going away; the reconnect path owns recovery and
		// an unconfirmed message is never resent.
		p.log.Warn().Err(err).Str("tag", msg.Tag).Msg("Socket write failed, discarding message")
		return
	}
	if msg.Measure {
		msg.SentTime = p.now()
	}
	p.inFlight = msg
	delay := p.profile.BaseInterval
	if msg.SlowerCommand {
		delay = p.profile.BacklogDelay()
	}
	p.armTimer(delay)
}

// wordlistRequest builds the transparent prerequisite fetch for a room.
func wordlistRequest(roomID string) *OutgoingMessage {
	return &OutgoingMessage{
		Text:          roomID + "|/banwordlist",
		Tag:           TagWordlistRequest,
		RoomID:        roomID,
		SlowerCommand: true,
	}
}

// ClearInFlight confirms the in-flight message via its echo. For measured
// messages it records the round trip and rearms the pacing timer with the
// adaptive delay; calling it with nothing in flight is a no-op, so a
// duplicated echo cannot clear two messages.
func (p *Pipeline) ClearInFlight(responseTime time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := p.inFlight
	if msg == nil {
		return
	}
	p.inFlight = nil
	if !msg.Measure {
		return
	}
	rtt := responseTime.Sub(msg.SentTime)
	if rtt < 0 {
		rtt = 0
	}
	p.window.Push(rtt)

	base := p.profile.BaseInterval
	var delay time.Duration
	switch {
	case msg.SlowerCommand:
		delay = p.lastDelay
		if delay == 0 {
			delay = base
		}
	case rtt >= base:
		// The measurement approximates how deep the server-side queue ran;
		// back off proportionally.
		delay = base + base*time.Duration(ceilDiv(rtt, base))
	default:
		delay = base
	}
	p.lastDelay = delay
	p.armTimer(delay + p.window.RollingAverage())
}

// ceilDiv returns ceil(a/b) for positive durations.
func ceilDiv(a, b time.Duration) int64 {
	return int64((a + b - 1) / b)
}

// armTimer marks the pipeline paced and (re)schedules the pacing timer.
// Caller holds the lock.
func (p *Pipeline) armTimer(d time.Duration) {
	p.paced = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(d, p.onTimer)
}

// onTimer is the pacing timer callback.
func (p *Pipeline) onTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight != nil {
		// The echo never came. Recoverable: the message may have been
		// eaten by the chat filter or raced a room change. Log enough to
		// characterize it, free the slot and resume cautiously.
		p.log.Warn().
			Str("tag", p.inFlight.Tag).
			Str("room_id", p.inFlight.RoomID).
			Str("text", p.inFlight.Text).
			Durs("recent_measurements", p.window.Samples()).
			Msg("Missed echo for in-flight message")
		p.inFlight = nil
		p.armTimer(p.profile.BacklogDelay() + p.window.RollingAverage())
		return
	}
	p.paced = false
	p.drain()
}

// drain transmits backlog messages until the pipeline is paced, paused or
// empty. Caller holds the lock.
func (p *Pipeline) drain() {
	for p.inFlight == nil && !p.paced && !p.paused && len(p.backlog) > 0 {
		msg := p.backlog[0]
		p.backlog = p.backlog[1:]
		p.transmit(msg)
	}
}

// Pause stops transmission; messages keep queueing.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume restarts transmission and drains anything queued while paused.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	if p.inFlight == nil && !p.paced {
		p.drain()
	}
}

// Reset cancels the pacing timer and discards the in-flight message, which
// the dead connection can no longer echo. With clearBacklog the queued
// messages go too.
func (p *Pipeline) Reset(clearBacklog bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.paced = false
	p.inFlight = nil
	if clearBacklog {
		p.backlog = nil
	}
}

// InFlight returns a copy of the current in-flight message, or nil. Echo
// predicates read it; they never mutate it.
func (p *Pipeline) InFlight() *OutgoingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == nil {
		return nil
	}
	cp := *p.inFlight
	return &cp
}

// Snapshot returns a point-in-time copy of the pipeline state.
func (p *Pipeline) Snapshot() QueueSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := QueueSnapshot{
		Paced:        p.paced,
		Paused:       p.paused,
		Throttle:     p.profile.BaseInterval,
		Measurements: p.window.Samples(),
	}
	if p.inFlight != nil {
		cp := *p.inFlight
		snap.InFlight = &cp
	}
	for _, m := range p.backlog {
		snap.Backlog = append(snap.Backlog, *m)
	}
	return snap
}

// Throttle returns the current base send interval.
func (p *Pipeline) Throttle() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile.BaseInterval
}

// UpgradeProfile switches to a faster rate profile; downgrades are ignored.
func (p *Pipeline) UpgradeProfile(profile RateProfile) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	upgraded := p.profile.Upgrade(profile)
	if upgraded {
		p.log.Info().Dur("base_interval", profile.BaseInterval).Msg("Send throttle upgraded")
	}
	return upgraded
}

// restore loads migrated state from a previous process generation.
func (p *Pipeline) restore(measurements []time.Duration, backlog []OutgoingMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(measurements) - 1; i >= 0; i-- {
		p.window.Push(measurements[i])
	}
	for i := range backlog {
		cp := backlog[i]
		p.backlog = append(p.backlog, &cp)
	}
}
