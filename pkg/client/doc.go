// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package client is the network-facing core of a chat/automation client
// for a Pokémon Showdown-compatible game server. It owns the single
// persistent websocket connection, speaks the server's line-oriented text
// protocol, authenticates the account against the HTTP login server, paces
// outgoing commands to the server-side rate limits, and turns raw protocol
// lines into typed events for the rest of the application.
//
// # Core Types
//
// [Client] supervises the connection lifecycle: server discovery, the
// socket, keepalive, reconnect backoff, and the hand-off between the
// challenge, authentication and logged-in phases.
//
// [Pipeline] enforces the protocol's send discipline: at most one message
// in flight awaiting its echo, everything else in a strict FIFO backlog,
// and an adaptive pacing delay tuned by live round-trip measurements.
//
// [Dispatcher] classifies incoming lines, matches them against the
// in-flight outgoing message (echo matching: the protocol has no request
// IDs, so a command is confirmed by recognizing the server's broadcast of
// its effect), and forwards the remainder to the [EventSink].
//
// # Echo Matching
//
// Every outgoing message carries a semantic tag, and each incoming message
// type has a tag-specific echo predicate comparing rooms, users, and
// normalized text. The per-type normal forms live in normalize.go; their
// corner cases are pinned by characterization tests rather than derived
// from the server's escaping rules.
//
// # Hot Upgrade
//
// There is no global client singleton. A process upgrade constructs a new
// [Client], pauses the old one, and transfers the explicit serializable
// state with [MigrateState].
package client
