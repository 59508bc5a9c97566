// Copyright 2024-2026 Aiku AI

package client

import (
	"html"
	"strings"
)

// Echo comparison never gets to match byte-for-byte: the server case-folds
// commands, re-escapes HTML and collapses whitespace differently per
// message type. Each outgoing tag therefore has its own normal form, and
// both the sent text and the echoed text are reduced to it before
// comparison. The exact escaping of corner cases (literal back-tick runs
// inside code blocks, most notably) is pinned by characterization tests
// against recorded transcripts rather than derived from the server source.

// normalizeChat is the normal form for plain chat and pm text.
func normalizeChat(text string) string {
	return strings.ToLower(collapseSpace(strings.TrimSpace(text)))
}

// normalizeHTML is the normal form for /addhtmlbox, /adduhtml and /raw
// payloads: entity-decode, then fold like chat. The server re-escapes
// attribute quoting differently than it receives it, so comparing decoded
// text is the stable choice.
func normalizeHTML(text string) string {
	return normalizeChat(html.UnescapeString(text))
}

// normalizeCode is the normal form for code-block messages (!code and
// backtick-fenced text). Back-ticks survive; internal whitespace is
// significant inside a code block, so only the case fold and outer trim
// apply.
func normalizeCode(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// collapseSpace folds runs of whitespace into single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// commandPayload strips a leading slash command ("/addhtmlbox ",
// "/adduhtml name, " ...) and returns the free-text payload.
func commandPayload(text, command string) (string, bool) {
	if !strings.HasPrefix(text, command) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(text, command)), true
}
