// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnectionState tracks where the connection is in its lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingChallenge
	StateAuthenticating
	StateLoggedIn
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateLoggedIn:
		return "logged-in"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	connectTimeout    = 30 * time.Second
	challstrTimeout   = 15 * time.Second
	loginTimeout      = 150 * time.Second
	keepaliveInterval = 30 * time.Second
	// A socket close is usually a brief server restart; retry on a fixed
	// short delay instead of the growing backoff.
	closeReconnectDelay = 10 * time.Second
	writeControlWait    = 10 * time.Second
)

var errNotConnected = errors.New("not connected")

// Client owns the single persistent connection to the game server: server
// discovery, the socket, keepalive, authentication hand-off, reconnect
// scheduling, and the outgoing pipeline.
type Client struct {
	cfg        *Config
	log        zerolog.Logger
	sink       EventSink
	httpc      *http.Client
	pipeline   *Pipeline
	dispatcher *Dispatcher
	auth       *authFlow
	cookies    CookieStore

	// livenessHandler is consulted when a ping goes unanswered; returning
	// true forces a reconnect. Nil means always reconnect.
	livenessHandler func() bool

	mu       sync.Mutex
	state    ConnectionState
	conn     *websocket.Conn
	connID   uuid.UUID
	serverID string
	// gen increments on every teardown; goroutines and timer callbacks
	// carry the generation they were started under and become no-ops when
	// it moves on. This is what makes timer cancellation atomic with the
	// teardown.
	gen         int
	attempts    int
	pongPending bool
	paused      bool
	pauseBuf    []string
	serverTime  int64 // offset in seconds, server minus local
	groups      []string
	stopCh      chan struct{}
	challTimer  *time.Timer
	loginTimer  *time.Timer
	retryTimer  *time.Timer
	authTimer   *time.Timer
}

// New builds a client from a post-processed config. The sink may be nil
// for a client that only logs.
func New(cfg *Config, sink EventSink, log zerolog.Logger) *Client {
	if sink == nil {
		sink = NopSink{}
	}
	var store CookieStore
	if cfg.CookieFile != "" {
		store = NewFileCookieStore(cfg.CookieFile)
	} else {
		store = NewMemoryCookieStore()
	}
	c := &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "client").Str("account", cfg.accountID).Logger(),
		sink:    sink,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		cookies: store,
		state:   StateDisconnected,
	}
	c.pipeline = NewPipeline(ProfileFor(cfg.class), c.writeText, nil, nil, log)
	// No socket exists yet; anything sent before login queues in order.
	c.pipeline.Pause()
	c.dispatcher = NewDispatcher(c.pipeline, c, sink, log)
	c.auth = newAuthFlow(cfg, c, store, c.httpc, log)
	return c
}

// SetTargetGate installs the downstream room/user existence check. Call
// before Connect.
func (c *Client) SetTargetGate(gate TargetGate) {
	c.pipeline.gate = gate
}

// SetModerationState installs the word-list prerequisite tracker. Call
// before Connect.
func (c *Client) SetModerationState(m ModerationState) {
	c.pipeline.moderation = m
}

// SetLivenessHandler installs the callback consulted when a keepalive ping
// goes unanswered. Call before Connect.
func (c *Client) SetLivenessHandler(h func() bool) {
	c.livenessHandler = h
}

// RegisterPreProcessor exposes the dispatcher's extension point.
func (c *Client) RegisterPreProcessor(name string, priority int, fn PreProcessor) {
	c.dispatcher.RegisterPreProcessor(name, priority, fn)
}

// Connect starts the connection attempt. It returns immediately; progress
// and failures are reported through the event sink and resolved by the
// internal retry schedule.
func (c *Client) Connect() {
	c.mu.Lock()
	c.teardownLocked()
	c.state = StateConnecting
	c.connID = uuid.New()
	gen := c.gen
	c.mu.Unlock()
	// Hold outgoing traffic until the server confirms login; everything
	// sent meanwhile queues in order.
	c.pipeline.Pause()
	go c.dial(gen)
}

// Reconnect tears the connection down and dials again. With preserveQueue
// the outgoing backlog survives; the in-flight message is discarded either
// way, since the connection that would have echoed it is gone. The attempt
// counter resets because this is a deliberate request, not an automatic
// retry.
func (c *Client) Reconnect(preserveQueue bool) {
	c.mu.Lock()
	c.teardownLocked()
	c.attempts = 0
	c.state = StateConnecting
	c.connID = uuid.New()
	gen := c.gen
	c.mu.Unlock()
	c.sink.Disconnecting("reconnect requested")
	c.pipeline.Pause()
	c.pipeline.Reset(!preserveQueue)
	go c.dial(gen)
}

// Close shuts the client down for good.
func (c *Client) Close() {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
	c.sink.Disconnecting("client closed")
	c.pipeline.Pause()
	c.pipeline.Reset(true)
}

// teardownLocked invalidates the current generation: stops every timer,
// closes the socket, and unblocks the keepalive loop. Caller holds the
// lock.
func (c *Client) teardownLocked() {
	c.gen++
	for _, t := range []*time.Timer{c.challTimer, c.loginTimer, c.retryTimer, c.authTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.challTimer, c.loginTimer, c.retryTimer, c.authTimer = nil, nil, nil, nil
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.pongPending = false
	c.state = StateDisconnected
}

// dial resolves the server and opens the socket for one generation.
func (c *Client) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	info, err := discoverServer(ctx, c.httpc, c.cfg.DiscoveryURL)
	if err != nil {
		c.log.Warn().Err(err).Msg("Server discovery failed")
		c.failConnection(gen, "server discovery failed", 0)
		return
	}
	wsURL := websocketURL(info, c.cfg.CanonicalHost)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("ws_url", wsURL).Msg("Socket connect failed")
		c.failConnection(gen, "connect failed", 0)
		return
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.serverID = info.ID
	c.state = StateAwaitingChallenge
	c.stopCh = make(chan struct{})
	stop := c.stopCh
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		if gen == c.gen {
			c.pongPending = false
		}
		c.mu.Unlock()
		return nil
	})
	c.challTimer = time.AfterFunc(challstrTimeout, func() {
		c.log.Warn().Msg("No challenge received in time")
		c.failConnection(gen, "challenge timeout", 0)
	})
	connID := c.connID
	c.mu.Unlock()

	c.log.Info().Stringer("conn_id", connID).Str("ws_url", wsURL).Str("server_id", info.ID).Msg("Socket connected")
	c.sink.Connected()
	go c.readPump(gen, conn)
	go c.keepalive(gen, conn, stop)
}

// failConnection runs the shared failure path: teardown, then a scheduled
// redial. A zero fixedDelay selects the growing backoff.
func (c *Client) failConnection(gen int, reason string, fixedDelay time.Duration) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.attempts++
	delay := fixedDelay
	if delay <= 0 {
		delay = time.Duration(c.attempts) * c.cfg.retryInterval
	}
	c.state = StateReconnecting
	next := c.gen
	c.retryTimer = time.AfterFunc(delay, func() { c.redial(next) })
	attempts := c.attempts
	c.mu.Unlock()

	c.log.Info().Str("reason", reason).Int("attempt", attempts).Dur("retry_in", delay).Msg("Connection lost, retry scheduled")
	c.sink.Disconnecting(reason)
	c.pipeline.Pause()
	c.pipeline.Reset(false)
}

// redial is the automatic retry: it keeps the attempt counter.
func (c *Client) redial(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.connID = uuid.New()
	c.mu.Unlock()
	c.dial(gen)
}

// readPump reads frames for one connection generation and feeds them to
// the framer and dispatcher in strict arrival order.
func (c *Client) readPump(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("Socket closed")
			c.failConnection(gen, "socket closed", closeReconnectDelay)
			return
		}
		c.handleRaw(gen, string(data))
	}
}

// handleRaw dispatches one raw payload, or buffers it while paused.
func (c *Client) handleRaw(gen int, payload string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.paused {
		c.pauseBuf = append(c.pauseBuf, payload)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.dispatchPayload(payload)
}

func (c *Client) dispatchPayload(payload string) {
	for _, group := range ParseFrame(payload, c.cfg.FallbackRoom, c.log) {
		c.dispatcher.DispatchGroup(group)
	}
}

// keepalive pings on a fixed interval. An unanswered ping is reported to
// the liveness handler, which decides whether to force a reconnect.
func (c *Client) keepalive(gen int, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		missed := c.pongPending
		c.pongPending = true
		c.mu.Unlock()

		if missed {
			c.log.Warn().Msg("Keepalive pong missing")
			force := true
			if h := c.livenessHandler; h != nil {
				force = h()
			}
			if force {
				c.Reconnect(true)
				return
			}
			continue
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeControlWait)); err != nil {
			c.log.Warn().Err(err).Msg("Keepalive ping write failed")
		}
	}
}

// Pause buffers incoming frames and stops outgoing transmission, for a hot
// in-process upgrade. Resume replays the buffer in arrival order.
func (c *Client) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	c.pipeline.Pause()
}

// Resume replays frames buffered while paused, in original arrival order,
// before accepting new ones.
func (c *Client) Resume() {
	for {
		c.mu.Lock()
		if len(c.pauseBuf) == 0 {
			c.paused = false
			c.mu.Unlock()
			break
		}
		buf := c.pauseBuf
		c.pauseBuf = nil
		c.mu.Unlock()
		for _, payload := range buf {
			c.dispatchPayload(payload)
		}
	}
	c.pipeline.Resume()
}

// writeText is the pipeline's transport: one frame to the live socket.
func (c *Client) writeText(text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// ---------------------------------------------------------------------------
// Outbound API
// ---------------------------------------------------------------------------

// Send queues an outgoing message on the pacing pipeline.
func (c *Client) Send(msg *OutgoingMessage) error {
	return c.pipeline.Send(msg)
}

// Say sends chat text to a room, timed for the adaptive throttle.
func (c *Client) Say(roomID, text string) error {
	roomID = ToRoomID(roomID)
	return c.Send(&OutgoingMessage{
		Text:    roomID + "|" + text,
		Tag:     TagChat,
		RoomID:  roomID,
		Measure: true,
	})
}

// SayHTML sends an HTML box to a room.
func (c *Client) SayHTML(roomID, html string) error {
	roomID = ToRoomID(roomID)
	return c.Send(&OutgoingMessage{
		Text:    roomID + "|/addhtmlbox " + html,
		Tag:     TagChatHTML,
		RoomID:  roomID,
		Measure: true,
	})
}

// PM sends a private message to a user.
func (c *Client) PM(userID, text string) error {
	userID = ToID(userID)
	return c.Send(&OutgoingMessage{
		Text:    "|/pm " + userID + "," + text,
		Tag:     TagPM,
		UserID:  userID,
		Measure: true,
	})
}

// JoinRoom asks the server to join a room.
func (c *Client) JoinRoom(roomID string) error {
	roomID = ToRoomID(roomID)
	return c.Send(&OutgoingMessage{
		Text:   "|/join " + roomID,
		Tag:    TagJoinRoom,
		RoomID: roomID,
	})
}

// LeaveRoom asks the server to leave a room.
func (c *Client) LeaveRoom(roomID string) error {
	roomID = ToRoomID(roomID)
	return c.Send(&OutgoingMessage{
		Text:   "|/leave " + roomID,
		Tag:    TagLeaveRoom,
		RoomID: roomID,
	})
}

// GetRoomInfo requests room details; the answer arrives as a
// queryresponse event.
func (c *Client) GetRoomInfo(roomID string) error {
	return c.Send(&OutgoingMessage{
		Text:          "|/cmd roominfo " + ToRoomID(roomID),
		Tag:           TagRoomInfo,
		SlowerCommand: true,
	})
}

// GetUserDetails requests user details; the answer arrives as a
// queryresponse event.
func (c *Client) GetUserDetails(userID string) error {
	return c.Send(&OutgoingMessage{
		Text:          "|/cmd userdetails " + ToID(userID),
		Tag:           TagUserDetails,
		SlowerCommand: true,
	})
}

// GetSendThrottle returns the current base send interval.
func (c *Client) GetSendThrottle() time.Duration {
	return c.pipeline.Throttle()
}

// GetOutgoingQueueSnapshot returns a point-in-time view of the pipeline.
func (c *Client) GetOutgoingQueueSnapshot() QueueSnapshot {
	return c.pipeline.Snapshot()
}

// ExceedsMessageSizeLimit reports whether text is too large to send.
func (c *Client) ExceedsMessageSizeLimit(text string) bool {
	return c.pipeline.ExceedsMessageSizeLimit(text)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerID returns the session's server identifier from discovery.
func (c *Client) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

// ServerTimeOffset returns the server clock's offset from local time in
// seconds.
func (c *Client) ServerTimeOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverTime
}

// ServerGroups returns the server's announced rank symbols.
func (c *Client) ServerGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]string, len(c.groups))
	copy(cp, c.groups)
	return cp
}

// ---------------------------------------------------------------------------
// dispatchHost — driven by the dispatcher from the read pump
// ---------------------------------------------------------------------------

func (c *Client) selfID() string {
	return c.cfg.accountID
}

func (c *Client) onChallstr(challstr string) {
	c.mu.Lock()
	if c.challTimer != nil {
		c.challTimer.Stop()
		c.challTimer = nil
	}
	c.state = StateAuthenticating
	gen := c.gen
	c.loginTimer = time.AfterFunc(loginTimeout, func() {
		c.log.Warn().Msg("Login did not complete in time")
		c.failConnection(gen, "login timeout", 0)
	})
	c.mu.Unlock()
	go c.auth.run(context.Background(), challstr)
}

func (c *Client) onUserUpdate(username string, named bool) {
	if !named {
		// Guest assignment on connect; not a login result.
		return
	}
	rank, name := splitRank(username)
	if ToID(name) != c.cfg.accountID {
		return
	}
	c.mu.Lock()
	first := c.state != StateLoggedIn
	c.state = StateLoggedIn
	c.attempts = 0
	if c.loginTimer != nil {
		c.loginTimer.Stop()
		c.loginTimer = nil
	}
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	if !first {
		return
	}
	c.log.Info().Str("username", name).Str("rank", string(rank)).Msg("Logged in")
	c.pipeline.UpgradeProfile(ProfileFor(classForRank(rank)))
	c.pipeline.Resume()
	c.sink.LoginSucceeded(name)
	for _, room := range c.cfg.Rooms {
		if err := c.JoinRoom(room); err != nil {
			c.log.Warn().Err(err).Str("room_id", room).Msg("Auto-join failed")
		}
	}
}

func (c *Client) onLoginFailed(reason string) {
	c.mu.Lock()
	authenticating := c.state == StateAuthenticating
	gen := c.gen
	c.mu.Unlock()
	c.sink.LoginFailed(reason)
	if authenticating {
		c.log.Warn().Str("reason", reason).Msg("Authentication rejected by server")
		c.failConnection(gen, "authentication rejected", 0)
	}
}

func (c *Client) onServerGroups(groups []string) {
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
	c.sink.ServerGroupsChanged(groups)
}

func (c *Client) onServerTime(unix int64) {
	c.mu.Lock()
	c.serverTime = unix - time.Now().Unix()
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// authHost — driven by the auth flow
// ---------------------------------------------------------------------------

// submitAssertion sends the terminal authentication command. It bypasses
// the pipeline: the pipeline holds traffic until login completes, and a
// single command on a fresh connection cannot trip the throttle.
func (c *Client) submitAssertion(assertion string) {
	if err := c.writeText("|/trn " + c.cfg.Username + ",0," + assertion); err != nil {
		c.log.Error().Err(err).Msg("Failed to send login command")
	}
}

// scheduleAuthRetry re-runs the auth flow for the same challenge after a
// delay, unless the connection has moved on.
func (c *Client) scheduleAuthRetry(after time.Duration, challstr, reason string) {
	c.mu.Lock()
	if c.state != StateAuthenticating {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.authTimer = time.AfterFunc(after, func() {
		c.mu.Lock()
		live := gen == c.gen && c.state == StateAuthenticating
		c.mu.Unlock()
		if live {
			c.auth.run(context.Background(), challstr)
		}
	})
	c.mu.Unlock()
	c.sink.LoginFailed(reason)
}

// splitRank separates the rank symbol from a protocol username.
func splitRank(username string) (rune, string) {
	if username == "" {
		return ' ', ""
	}
	r, size := utf8.DecodeRuneInString(username)
	if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
		return ' ', username
	}
	return r, username[size:]
}

// classForRank maps a confirmed server rank to the account class it
// entitles. The bot rank unlocks the fastest throttle; any staff or voice
// rank marks the account trusted.
func classForRank(rank rune) AccountClass {
	switch rank {
	case '*':
		return AccountPublicBot
	case '+', '%', '@', '&', '#', '~':
		return AccountTrusted
	default:
		return AccountRegular
	}
}
