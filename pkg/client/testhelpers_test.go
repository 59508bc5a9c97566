// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// writeRecorder captures pipeline transport writes for assertions.
type writeRecorder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (w *writeRecorder) write(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.texts = append(w.texts, text)
	return nil
}

func (w *writeRecorder) Texts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]string, len(w.texts))
	copy(cp, w.texts)
	return cp
}

func (w *writeRecorder) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.texts)
}

// newTestPipeline builds a pipeline over a write recorder, with no gate
// and no moderation tracker.
func newTestPipeline(profile RateProfile) (*Pipeline, *writeRecorder) {
	rec := &writeRecorder{}
	p := NewPipeline(profile, rec.write, nil, nil, zerolog.Nop())
	return p, rec
}

// fastProfile keeps timer-driven tests quick.
func fastProfile() RateProfile {
	return RateProfile{BaseInterval: 5 * time.Millisecond, QueueDepth: 3}
}

// recordingSink captures everything the client delivers.
type recordingSink struct {
	mu        sync.Mutex
	events    []Event
	lifecycle []string
	loginUser string
	groups    []string
}

func (s *recordingSink) HandleMessage(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) Connected() {
	s.record("connected")
}

func (s *recordingSink) LoginSucceeded(username string) {
	s.mu.Lock()
	s.loginUser = username
	s.mu.Unlock()
	s.record("loginSucceeded")
}

func (s *recordingSink) LoginFailed(string) {
	s.record("loginFailed")
}

func (s *recordingSink) Disconnecting(string) {
	s.record("disconnecting")
}

func (s *recordingSink) ServerGroupsChanged(groups []string) {
	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()
	s.record("serverGroupsChanged")
}

func (s *recordingSink) record(what string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle = append(s.lifecycle, what)
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Event, len(s.events))
	copy(cp, s.events)
	return cp
}

func (s *recordingSink) Lifecycle() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]string, len(s.lifecycle))
	copy(cp, s.lifecycle)
	return cp
}

// fakeHost records dispatcher callbacks in place of a real client.
type fakeHost struct {
	mu          sync.Mutex
	self        string
	challstrs   []string
	userUpdates []string
	loginFails  []string
	groups      [][]string
	times       []int64
}

func (h *fakeHost) selfID() string {
	return h.self
}

func (h *fakeHost) onChallstr(challstr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.challstrs = append(h.challstrs, challstr)
}

func (h *fakeHost) onUserUpdate(username string, named bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.userUpdates = append(h.userUpdates, username)
}

func (h *fakeHost) onLoginFailed(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loginFails = append(h.loginFails, reason)
}

func (h *fakeHost) onServerGroups(groups []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = append(h.groups, groups)
}

func (h *fakeHost) onServerTime(unix int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.times = append(h.times, unix)
}

// authCall records one scheduled retry or submitted assertion.
type authCall struct {
	Assertion string
	Delay     time.Duration
	Reason    string
}

// fakeAuthHost records auth flow outcomes.
type fakeAuthHost struct {
	mu      sync.Mutex
	submits []string
	retries []authCall
}

func (h *fakeAuthHost) submitAssertion(assertion string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submits = append(h.submits, assertion)
}

func (h *fakeAuthHost) scheduleAuthRetry(after time.Duration, challstr, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retries = append(h.retries, authCall{Delay: after, Reason: reason})
}

func (h *fakeAuthHost) Submits() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]string, len(h.submits))
	copy(cp, h.submits)
	return cp
}

func (h *fakeAuthHost) Retries() []authCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]authCall, len(h.retries))
	copy(cp, h.retries)
	return cp
}

// loginCall records one request seen by the fake login server.
type loginCall struct {
	Method string
	Act    string
	Form   map[string]string
	Cookie string
}

// fakeLoginServer simulates the HTTP login endpoint: upkeep, login and
// getassertion, with the "]" body prefix and sid cookie issuance.
type fakeLoginServer struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []loginCall

	// Raw response bodies per action, written verbatim.
	UpkeepBody    string
	LoginBody     string
	AssertionBody string
	// IssueCookie, when set, is sent as a sid cookie on login responses.
	IssueCookie string
}

func newFakeLoginServer() *fakeLoginServer {
	f := &fakeLoginServer{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeLoginServer) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	act := r.FormValue("act")
	form := make(map[string]string)
	for k := range r.Form {
		form[k] = r.FormValue(k)
	}
	f.mu.Lock()
	f.calls = append(f.calls, loginCall{
		Method: r.Method,
		Act:    act,
		Form:   form,
		Cookie: r.Header.Get("Cookie"),
	})
	f.mu.Unlock()

	switch act {
	case "upkeep":
		_, _ = w.Write([]byte(f.UpkeepBody))
	case "login":
		if f.IssueCookie != "" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: f.IssueCookie})
		}
		_, _ = w.Write([]byte(f.LoginBody))
	case "getassertion":
		_, _ = w.Write([]byte(f.AssertionBody))
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (f *fakeLoginServer) Close() {
	f.Server.Close()
}

func (f *fakeLoginServer) Calls() []loginCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]loginCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeLoginServer) CalledActs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	acts := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		acts = append(acts, c.Act)
	}
	return acts
}

// newTestAuthFlow wires an auth flow against a fake login server with an
// unthrottled limiter so tests stay fast.
func newTestAuthFlow(fake *fakeLoginServer, host authHost, cookies CookieStore, username, password string) *authFlow {
	cfg := &Config{
		Username:       username,
		Password:       password,
		LoginServerURL: fake.Server.URL,
		accountID:      ToID(username),
	}
	a := newAuthFlow(cfg, host, cookies, fake.Server.Client(), zerolog.Nop())
	a.limiter.SetLimit(1e6)
	return a
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
