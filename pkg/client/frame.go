// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ParsedMessage is one classified protocol line. It is ephemeral: built per
// line, handed to the dispatcher, never retained.
type ParsedMessage struct {
	// Type is the leading token up to the first pipe; empty for untagged
	// plaintext lines.
	Type string
	// Parts is the remainder of the line split on pipes.
	Parts []string
	// Whole is the original line minus the leading type tag.
	Whole string
	// RoomID scopes this message; the payload's ">roomid" header or the
	// configured fallback room.
	RoomID string
}

// MessageGroup is an ordered run of lines that must be dispatched as one
// unit. Almost every group has a single message; the exception is room
// initialization, where the room type, user list and server time must land
// together before the room counts as ready.
type MessageGroup []ParsedMessage

// framerState tracks the look-ahead after an init line.
type framerState int

const (
	frameNormal framerState = iota
	frameAwaitUsers
	frameAwaitTime
	frameAwaitPageHTML
)

// ParseFrame splits one raw payload into dispatch units. A first line of
// the form ">roomid" scopes every following line; otherwise fallbackRoom
// applies. Lines are trimmed, empty lines dropped, and a line that fails
// classification is logged and skipped without aborting the rest of the
// payload.
func ParseFrame(payload, fallbackRoom string, log zerolog.Logger) []MessageGroup {
	roomID := fallbackRoom
	lines := strings.Split(payload, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], ">") {
		if id := ToRoomID(strings.TrimSpace(lines[0][1:])); id != "" {
			roomID = id
		}
		lines = lines[1:]
	}

	var groups []MessageGroup
	var pending MessageGroup
	state := frameNormal

	flush := func() {
		if len(pending) > 0 {
			groups = append(groups, pending)
			pending = nil
		}
		state = frameNormal
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		msg, err := parseLine(line, roomID)
		if err != nil {
			log.Warn().Err(err).Str("room_id", roomID).Str("line", line).
				Msg("Skipping malformed protocol line")
			continue
		}

		switch state {
		case frameAwaitUsers:
			if msg.Type == "users" {
				pending = append(pending, msg)
				state = frameAwaitTime
				continue
			}
			flush()
		case frameAwaitTime:
			if msg.Type == ":" {
				pending = append(pending, msg)
				flush()
				continue
			}
			flush()
		case frameAwaitPageHTML:
			if msg.Type == "pagehtml" {
				pending = append(pending, msg)
				flush()
				continue
			}
			flush()
		}

		if msg.Type == "init" {
			pending = MessageGroup{msg}
			if len(msg.Parts) > 0 && msg.Parts[0] == "html" {
				state = frameAwaitPageHTML
			} else {
				state = frameAwaitUsers
			}
			continue
		}

		groups = append(groups, MessageGroup{msg})
	}
	flush()
	return groups
}

// parseLine classifies a single trimmed, non-empty line. The leading token
// up to the first pipe is the type; one optional leading pipe is stripped
// first, so "init|chat" and "|init|chat" classify the same. A line with no
// pipe at all is untagged plaintext with an implicit empty type.
func parseLine(line, roomID string) (ParsedMessage, error) {
	piped := strings.HasPrefix(line, "|")
	rest := strings.TrimPrefix(line, "|")
	msg := ParsedMessage{RoomID: roomID}
	switch idx := strings.IndexByte(rest, '|'); {
	case idx >= 0:
		msg.Type = rest[:idx]
		msg.Whole = rest[idx+1:]
		msg.Parts = strings.Split(rest[idx+1:], "|")
	case piped:
		msg.Type = rest
	default:
		msg.Whole = rest
		msg.Parts = []string{rest}
	}
	switch msg.Type {
	case ":":
		if len(msg.Parts) < 1 {
			return ParsedMessage{}, fmt.Errorf("server time line with no timestamp")
		}
		if _, err := strconv.ParseInt(msg.Parts[0], 10, 64); err != nil {
			return ParsedMessage{}, fmt.Errorf("server time line with non-numeric timestamp %q", msg.Parts[0])
		}
	case "c:":
		if len(msg.Parts) < 3 {
			return ParsedMessage{}, fmt.Errorf("timestamped chat line with %d fields, want 3", len(msg.Parts))
		}
		if _, err := strconv.ParseInt(msg.Parts[0], 10, 64); err != nil {
			return ParsedMessage{}, fmt.Errorf("timestamped chat line with non-numeric timestamp %q", msg.Parts[0])
		}
	case "c", "chat":
		if len(msg.Parts) < 2 {
			return ParsedMessage{}, fmt.Errorf("chat line with %d fields, want 2", len(msg.Parts))
		}
	case "pm":
		if len(msg.Parts) < 3 {
			return ParsedMessage{}, fmt.Errorf("pm line with %d fields, want 3", len(msg.Parts))
		}
	}
	return msg, nil
}

// chatText reconstructs the free-text field of a chat or pm message, which
// may itself contain pipes.
func chatText(msg ParsedMessage) string {
	switch msg.Type {
	case "c:":
		return strings.Join(msg.Parts[2:], "|")
	case "c", "chat":
		return strings.Join(msg.Parts[1:], "|")
	case "pm":
		return strings.Join(msg.Parts[2:], "|")
	default:
		return msg.Whole
	}
}
