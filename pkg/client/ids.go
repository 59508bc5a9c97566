// Copyright 2024-2026 Aiku AI

package client

import (
	"strings"
	"unicode/utf8"
)

// ToID normalizes a username or room name into the server's canonical ID
// form: lowercase with everything except a-z and 0-9 removed. Ranks, spaces
// and punctuation all disappear, so "★Some User!" and "someuser" collide on
// purpose.
func ToID(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteByte(byte(r))
		case r >= 'A' && r <= 'Z':
			b.WriteByte(byte(r - 'A' + 'a'))
		}
	}
	return b.String()
}

// ToRoomID is like ToID but keeps the dash, which is significant in
// subroom and battle room identifiers.
func ToRoomID(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteByte(byte(r))
		case r >= 'A' && r <= 'Z':
			b.WriteByte(byte(r - 'A' + 'a'))
		}
	}
	return b.String()
}

// stripRank removes a single leading rank symbol from a username as it
// appears in protocol messages (" user", "+user", "@user", "*bot", ...).
// The server always sends exactly one rank character, space for none.
func stripRank(username string) string {
	if username == "" {
		return username
	}
	r, size := utf8.DecodeRuneInString(username)
	if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
		return username
	}
	return username[size:]
}
