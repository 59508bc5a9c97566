// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EchoPredicate decides whether an incoming message is the server's echo
// of the in-flight outgoing message. Predicates are pure functions of
// their arguments so each echo rule can be unit-tested on its own; a match
// clears the in-flight slot but never suppresses forwarding.
type EchoPredicate func(inFlight *OutgoingMessage, msg ParsedMessage, now time.Time) bool

// internalHandler consumes a message that updates client state instead of
// being forwarded raw.
type internalHandler func(d *Dispatcher, msg ParsedMessage)

// typeEntry pairs the per-type echo predicate with an optional internal
// handler in the dispatch registry.
type typeEntry struct {
	echo     EchoPredicate
	internal internalHandler
}

// dispatchHost is the connection manager surface the dispatcher drives:
// login progress, identity, and server metadata updates.
type dispatchHost interface {
	selfID() string
	onChallstr(challstr string)
	onUserUpdate(username string, named bool)
	onLoginFailed(reason string)
	onServerGroups(groups []string)
	onServerTime(unix int64)
}

// Dispatcher classifies parsed messages, applies echo matching against the
// pipeline's in-flight message, and routes what remains to the event sink.
type Dispatcher struct {
	log      zerolog.Logger
	pipeline *Pipeline
	host     dispatchHost
	sink     EventSink
	registry map[string]typeEntry
	now      func() time.Time

	preMu     sync.RWMutex
	pre       []preProcessorReg
	nextOrder int
}

// NewDispatcher builds a dispatcher with the default type registry.
func NewDispatcher(pipeline *Pipeline, host dispatchHost, sink EventSink, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		pipeline: pipeline,
		host:     host,
		sink:     sink,
		now:      time.Now,
	}
	d.registry = defaultRegistry(host.selfID)
	return d
}

// RegisterPreProcessor adds an external message pre-processor. Higher
// priority values run first; equal priorities run in registration order.
// The first pre-processor to return true claims the message and stops
// delivery to the sink.
func (d *Dispatcher) RegisterPreProcessor(name string, priority int, fn PreProcessor) {
	d.preMu.Lock()
	defer d.preMu.Unlock()
	d.pre = append(d.pre, preProcessorReg{name: name, priority: priority, order: d.nextOrder, fn: fn})
	d.nextOrder++
	sortPreProcessors(d.pre)
}

// DispatchGroup routes the messages of one atomic frame unit in order.
func (d *Dispatcher) DispatchGroup(group MessageGroup) {
	for _, msg := range group {
		d.dispatchOne(msg)
	}
}

func (d *Dispatcher) dispatchOne(msg ParsedMessage) {
	ts := d.now()
	entry, known := d.registry[msg.Type]

	if known && entry.echo != nil {
		if inFlight := d.pipeline.InFlight(); inFlight != nil && entry.echo(inFlight, msg, ts) {
			d.log.Debug().Str("type", msg.Type).Str("tag", inFlight.Tag).Msg("Echo matched")
			d.pipeline.ClearInFlight(ts)
		}
	}

	if known && entry.internal != nil {
		entry.internal(d, msg)
		return
	}

	evt := Event{RoomID: msg.RoomID, Type: msg.Type, Parts: msg.Parts, Timestamp: ts}

	d.preMu.RLock()
	pre := d.pre
	d.preMu.RUnlock()
	for _, reg := range pre {
		if reg.fn(evt) {
			d.log.Trace().Str("type", msg.Type).Str("pre_processor", reg.name).Msg("Message claimed by pre-processor")
			return
		}
	}

	d.sink.HandleMessage(evt)
}

// defaultRegistry wires the built-in echo predicates and internal handlers.
// self resolves the client's current canonical account ID; predicates close
// over it because most echoes are only credible when attributed to us.
func defaultRegistry(self func() string) map[string]typeEntry {
	chat := chatEcho(self)
	return map[string]typeEntry{
		"c":     {echo: chat},
		"c:":    {echo: chat},
		"chat":  {echo: chat},
		"html":  {echo: htmlEcho},
		"raw":   {echo: htmlEcho},
		"uhtml": {echo: uhtmlEcho},
		"pm":    {echo: pmEcho(self)},
		"init":  {echo: joinEcho},
		// deinit doubles as the leave confirmation and a room teardown.
		"deinit":        {echo: leaveEcho},
		"popup":         {echo: popupEcho},
		"tournament":    {echo: tournamentEcho},
		"queryresponse": {echo: queryEcho},

		"challstr":     {internal: handleChallstr},
		"updateuser":   {internal: handleUpdateUser},
		"customgroups": {internal: handleCustomGroups},
		":":            {internal: handleServerTime},
		"nametaken":    {internal: handleNameTaken},
	}
}

// ---------------------------------------------------------------------------
// Echo predicates
// ---------------------------------------------------------------------------

// outgoingPayload strips the room scope from an outgoing wire text,
// returning the command or chat text that the server will echo.
func outgoingPayload(m *OutgoingMessage) string {
	if i := strings.IndexByte(m.Text, '|'); i >= 0 {
		return m.Text[i+1:]
	}
	return m.Text
}

// sameRoom matches when the in-flight message has no room target or the
// echo arrived in the targeted room.
func sameRoom(inFlight *OutgoingMessage, msg ParsedMessage) bool {
	return inFlight.RoomID == "" || inFlight.RoomID == msg.RoomID
}

// chatSender extracts the attributed sender of a chat-type line.
func chatSender(msg ParsedMessage) string {
	switch msg.Type {
	case "c:":
		if len(msg.Parts) >= 2 {
			return msg.Parts[1]
		}
	case "c", "chat":
		if len(msg.Parts) >= 1 {
			return msg.Parts[0]
		}
	}
	return ""
}

// chatEcho matches a room chat line against an in-flight chat, chat-html or
// chat-uhtml message: it must be attributed to us, land in the targeted
// room, and its text must equal the sent text under the per-type normal
// form. HTML commands echo back as chat lines wrapped in /raw; code blocks
// keep their internal whitespace, plain chat does not.
func chatEcho(self func() string) EchoPredicate {
	return func(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
		switch inFlight.Tag {
		case TagChat, TagChatHTML, TagChatUHTML:
		default:
			return false
		}
		if !sameRoom(inFlight, msg) {
			return false
		}
		if ToID(stripRank(chatSender(msg))) != self() {
			return false
		}
		sent := outgoingPayload(inFlight)
		echoed := chatText(msg)
		switch inFlight.Tag {
		case TagChatHTML:
			payload, ok := commandPayload(sent, "/addhtmlbox")
			if !ok {
				if payload, ok = commandPayload(sent, "/raw"); !ok {
					return false
				}
			}
			body, ok := commandPayload(echoed, "/raw")
			if !ok {
				return false
			}
			return normalizeHTML(body) == normalizeHTML(payload)
		case TagChatUHTML:
			payload, ok := commandPayload(sent, "/adduhtml")
			if !ok {
				return false
			}
			_, html, found := strings.Cut(payload, ",")
			if !found {
				return false
			}
			body, ok := commandPayload(echoed, "/raw")
			if !ok {
				return false
			}
			return normalizeHTML(body) == normalizeHTML(strings.TrimSpace(html))
		}
		if strings.HasPrefix(sent, "!code") || strings.HasPrefix(sent, "``") {
			return normalizeCode(echoed) == normalizeCode(sent)
		}
		return normalizeChat(echoed) == normalizeChat(sent)
	}
}

// htmlEcho matches a html/raw broadcast against an in-flight htmlbox.
func htmlEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	if inFlight.Tag != TagChatHTML || !sameRoom(inFlight, msg) {
		return false
	}
	payload, ok := commandPayload(outgoingPayload(inFlight), "/addhtmlbox")
	if !ok {
		payload, ok = commandPayload(outgoingPayload(inFlight), "/raw")
		if !ok {
			return false
		}
	}
	return normalizeHTML(msg.Whole) == normalizeHTML(payload)
}

// uhtmlEcho matches a named uhtml broadcast. The sent form is
// "/adduhtml name, html"; the echo is "uhtml|name|html".
func uhtmlEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	if inFlight.Tag != TagChatUHTML || !sameRoom(inFlight, msg) || len(msg.Parts) < 2 {
		return false
	}
	payload, ok := commandPayload(outgoingPayload(inFlight), "/adduhtml")
	if !ok {
		return false
	}
	name, html, found := strings.Cut(payload, ",")
	if !found {
		return false
	}
	return strings.TrimSpace(name) == msg.Parts[0] &&
		normalizeHTML(strings.Join(msg.Parts[1:], "|")) == normalizeHTML(strings.TrimSpace(html))
}

// pmEcho matches the server's copy of our own private message.
func pmEcho(self func() string) EchoPredicate {
	return func(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
		if inFlight.Tag != TagPM || len(msg.Parts) < 3 {
			return false
		}
		if ToID(stripRank(msg.Parts[0])) != self() {
			return false
		}
		if inFlight.UserID != "" && ToID(stripRank(msg.Parts[1])) != inFlight.UserID {
			return false
		}
		payload, ok := commandPayload(outgoingPayload(inFlight), "/pm")
		if !ok {
			return false
		}
		_, text, found := strings.Cut(payload, ",")
		if !found {
			return false
		}
		return normalizeChat(chatText(msg)) == normalizeChat(text)
	}
}

// joinEcho treats a room init as confirmation of an in-flight join.
func joinEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	return inFlight.Tag == TagJoinRoom && inFlight.RoomID == msg.RoomID
}

// leaveEcho treats a room deinit as confirmation of an in-flight leave.
func leaveEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	return inFlight.Tag == TagLeaveRoom && inFlight.RoomID == msg.RoomID
}

// popupEcho confirms a word-list request, which the server answers with a
// popup in the requesting room's context.
func popupEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	return inFlight.Tag == TagWordlistRequest
}

// tournamentEcho confirms a tournament configuration command via the
// update broadcast that carries the new player cap.
func tournamentEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	if inFlight.Tag != TagTournamentCap || !sameRoom(inFlight, msg) || len(msg.Parts) < 2 {
		return false
	}
	return msg.Parts[0] == "update" && strings.Contains(msg.Parts[1], "playerCap")
}

// queryEcho confirms a /cmd query via the queryresponse that names the
// same query kind.
func queryEcho(inFlight *OutgoingMessage, msg ParsedMessage, _ time.Time) bool {
	if len(msg.Parts) < 1 {
		return false
	}
	switch inFlight.Tag {
	case TagRoomInfo:
		return msg.Parts[0] == "roominfo"
	case TagUserDetails:
		return msg.Parts[0] == "userdetails"
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Internal handlers
// ---------------------------------------------------------------------------

func handleChallstr(d *Dispatcher, msg ParsedMessage) {
	d.host.onChallstr(msg.Whole)
}

func handleUpdateUser(d *Dispatcher, msg ParsedMessage) {
	if len(msg.Parts) < 2 {
		d.log.Warn().Str("line", msg.Whole).Msg("Malformed updateuser message")
		return
	}
	d.host.onUserUpdate(msg.Parts[0], msg.Parts[1] == "1")
}

func handleCustomGroups(d *Dispatcher, msg ParsedMessage) {
	var entries []struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal([]byte(msg.Whole), &entries); err != nil {
		d.log.Warn().Err(err).Msg("Unparseable customgroups message")
		return
	}
	groups := make([]string, 0, len(entries))
	for _, e := range entries {
		groups = append(groups, e.Symbol)
	}
	d.host.onServerGroups(groups)
}

func handleServerTime(d *Dispatcher, msg ParsedMessage) {
	if len(msg.Parts) < 1 {
		d.log.Warn().Str("line", msg.Whole).Msg("Malformed server time message")
		return
	}
	unix, err := strconv.ParseInt(msg.Parts[0], 10, 64)
	if err != nil {
		// The framer validates this; a bare ":" line from another room
		// context can still reach here.
		d.log.Warn().Str("line", msg.Whole).Msg("Malformed server time message")
		return
	}
	d.host.onServerTime(unix)
}

func handleNameTaken(d *Dispatcher, msg ParsedMessage) {
	reason := msg.Whole
	if len(msg.Parts) >= 2 {
		reason = msg.Parts[1]
	}
	d.host.onLoginFailed(reason)
}
