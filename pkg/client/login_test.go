// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"path/filepath"
	"testing"
)

// TestVerifyAssertion covers the classification rules on representative
// login-server responses.
func TestVerifyAssertion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    string
		verdict assertionVerdict
	}{
		{"plain token", "abc123assertion", "abc123assertion", assertionValid},
		{"explicit refusal", ";;@@locked", "@@locked", assertionRefused},
		{"html interference", "<html>junk", "<html>junk", assertionGarbled},
		{"embedded newline", "abc\ndef", "abc\ndef", assertionGarbled},
		{"empty", "", "", assertionGarbled},
		{"doctype prefix stripped", "<!DOCTYPE html>abc123", "abc123", assertionValid},
		{"doctype then crlf", "<!DOCTYPE html>\r\nabc123", "abc123", assertionValid},
		{"leading lf only", "\nabc123", "abc123", assertionValid},
		{"refusal behind doctype", "<!doctype html>;;wrong password", "wrong password", assertionRefused},
	}
	for _, tc := range tests {
		got, verdict := verifyAssertion(tc.in)
		if got != tc.want || verdict != tc.verdict {
			t.Errorf("%s: verifyAssertion(%q) = (%q, %v), want (%q, %v)",
				tc.name, tc.in, got, verdict, tc.want, tc.verdict)
		}
	}
}

// TestAuthFlow_UpkeepSuccess verifies a valid cookie short-circuits to the
// upkeep path and submits its assertion without a credential login.
func TestAuthFlow_UpkeepSuccess(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.UpkeepBody = `]{"loggedin":true,"username":"TestBot","assertion":"upkeeptoken"}`

	host := &fakeAuthHost{}
	cookies := NewMemoryCookieStore()
	_ = cookies.Save("testbot", "sid=oldcookie")
	a := newTestAuthFlow(fake, host, cookies, "TestBot", "hunter2")
	a.run(context.Background(), "4|deadbeef")

	if got := host.Submits(); len(got) != 1 || got[0] != "upkeeptoken" {
		t.Errorf("submits = %v, want [upkeeptoken]", got)
	}
	if acts := fake.CalledActs(); len(acts) != 1 || acts[0] != "upkeep" {
		t.Errorf("acts = %v, want [upkeep]", acts)
	}
	if calls := fake.Calls(); calls[0].Cookie != "sid=oldcookie" {
		t.Errorf("upkeep cookie = %q, want the stored session", calls[0].Cookie)
	}
}

// TestAuthFlow_UpkeepExpiredFallsBack verifies an expired session falls
// through to the full login, which persists the newly issued cookie.
func TestAuthFlow_UpkeepExpiredFallsBack(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.UpkeepBody = `]{"loggedin":false}`
	fake.LoginBody = `]{"actionsuccess":true,"assertion":"logintoken"}`
	fake.IssueCookie = "freshcookie"

	host := &fakeAuthHost{}
	cookies := NewMemoryCookieStore()
	_ = cookies.Save("testbot", "sid=stalecookie")
	a := newTestAuthFlow(fake, host, cookies, "TestBot", "hunter2")
	a.run(context.Background(), "4|deadbeef")

	if got := host.Submits(); len(got) != 1 || got[0] != "logintoken" {
		t.Errorf("submits = %v, want [logintoken]", got)
	}
	if acts := fake.CalledActs(); len(acts) != 2 || acts[0] != "upkeep" || acts[1] != "login" {
		t.Errorf("acts = %v, want [upkeep login]", acts)
	}
	if got := cookies.Load("testbot"); got != "sid=freshcookie" {
		t.Errorf("stored cookie = %q, want the newly issued session", got)
	}
}

// TestAuthFlow_LoginSendsCredentials verifies the login form carries the
// name, password and challenge string.
func TestAuthFlow_LoginSendsCredentials(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.LoginBody = `]{"actionsuccess":true,"assertion":"tok"}`

	host := &fakeAuthHost{}
	a := newTestAuthFlow(fake, host, NewMemoryCookieStore(), "TestBot", "hunter2")
	a.run(context.Background(), "4|deadbeef")

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.Method != "POST" || c.Form["name"] != "TestBot" || c.Form["pass"] != "hunter2" || c.Form["challstr"] != "4|deadbeef" {
		t.Errorf("login call = %+v, want POSTed credentials and challstr", c)
	}
}

// TestAuthFlow_LoginRejectedSchedulesSlowRetry verifies a rejected login
// retries on the slow delay.
func TestAuthFlow_LoginRejectedSchedulesSlowRetry(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.LoginBody = `]{"actionsuccess":false}`

	host := &fakeAuthHost{}
	a := newTestAuthFlow(fake, host, NewMemoryCookieStore(), "TestBot", "hunter2")
	a.run(context.Background(), "4|deadbeef")

	retries := host.Retries()
	if len(retries) != 1 || retries[0].Delay != loginRetryDelay {
		t.Errorf("retries = %+v, want one at the login retry delay", retries)
	}
	if len(host.Submits()) != 0 {
		t.Error("rejected login still submitted an assertion")
	}
}

// TestAuthFlow_RefusedUpkeepSchedulesFastRetry verifies a ";;" refusal on
// the upkeep path uses the short retry delay.
func TestAuthFlow_RefusedUpkeepSchedulesFastRetry(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.UpkeepBody = `]{"loggedin":true,"username":"TestBot","assertion":";;session expired"}`

	host := &fakeAuthHost{}
	cookies := NewMemoryCookieStore()
	_ = cookies.Save("testbot", "sid=oldcookie")
	a := newTestAuthFlow(fake, host, cookies, "TestBot", "hunter2")
	a.run(context.Background(), "4|deadbeef")

	retries := host.Retries()
	if len(retries) != 1 || retries[0].Delay != upkeepRetryDelay || retries[0].Reason != "session expired" {
		t.Errorf("retries = %+v, want one fast retry with the refusal reason", retries)
	}
}

// TestAuthFlow_GarbledAssertionNoSubmit verifies a garbled assertion is
// never submitted.
func TestAuthFlow_GarbledAssertionNoSubmit(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.LoginBody = `]{"actionsuccess":true,"assertion":"<html>proxy login page</html>"}`

	host := &fakeAuthHost{}
	a := newTestAuthFlow(fake, host, NewMemoryCookieStore(), "TestBot", "hunter2")
	a.run(context.Background(), "4|deadbeef")

	if len(host.Submits()) != 0 {
		t.Error("garbled assertion was submitted")
	}
	if retries := host.Retries(); len(retries) != 1 || retries[0].Delay != loginRetryDelay {
		t.Errorf("retries = %+v, want one at the login retry delay", retries)
	}
}

// TestAuthFlow_PasswordlessUsesGetAssertion verifies the unregistered-name
// flow fetches a bare assertion over GET.
func TestAuthFlow_PasswordlessUsesGetAssertion(t *testing.T) {
	t.Parallel()
	fake := newFakeLoginServer()
	defer fake.Close()
	fake.AssertionBody = `guesttoken`

	host := &fakeAuthHost{}
	a := newTestAuthFlow(fake, host, NewMemoryCookieStore(), "TestBot", "")
	a.run(context.Background(), "4|deadbeef")

	if got := host.Submits(); len(got) != 1 || got[0] != "guesttoken" {
		t.Errorf("submits = %v, want [guesttoken]", got)
	}
	calls := fake.Calls()
	if len(calls) != 1 || calls[0].Method != "GET" || calls[0].Form["userid"] != "testbot" {
		t.Errorf("assertion call = %+v, want a GET for the canonical user ID", calls)
	}
}

// TestFileCookieStore_RoundTrip verifies cookies survive a store reopen
// and missing files read as empty.
func TestFileCookieStore_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cookies.json")
	s := NewFileCookieStore(path)
	if got := s.Load("testbot"); got != "" {
		t.Errorf("Load on missing file = %q, want empty", got)
	}
	if err := s.Save("testbot", "sid=abc"); err != nil {
		t.Fatal(err)
	}
	reopened := NewFileCookieStore(path)
	if got := reopened.Load("testbot"); got != "sid=abc" {
		t.Errorf("Load after reopen = %q, want sid=abc", got)
	}
	if got := reopened.Load("otherbot"); got != "" {
		t.Errorf("Load for unknown account = %q, want empty", got)
	}
}
