// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Retry delays after a failed assertion. A broken upkeep usually means an
// expired cookie and the full login will work immediately, so it retries
// fast; a broken full login means the login server itself is unhappy.
const (
	upkeepRetryDelay = 10 * time.Second
	loginRetryDelay  = 60 * time.Second
)

// assertionVerdict classifies a login-server assertion response.
type assertionVerdict int

const (
	assertionValid assertionVerdict = iota
	// assertionRefused is an explicit ";;" failure: wrong password, locked
	// account, and similar.
	assertionRefused
	// assertionGarbled means HTML, newlines or nothing where a token
	// should be: something between us and the login server is rewriting
	// responses.
	assertionGarbled
)

// authHost is the connection-manager surface the auth flow drives.
type authHost interface {
	submitAssertion(assertion string)
	scheduleAuthRetry(after time.Duration, challstr, reason string)
}

// authFlow resolves a challenge string into a signed assertion via the
// HTTP login server and submits it as the final authentication command.
type authFlow struct {
	log      zerolog.Logger
	host     authHost
	cookies  CookieStore
	httpc    *http.Client
	limiter  *rate.Limiter
	loginURL string
	username string
	password string
	// accountID is the canonical ID the assertion must authorize.
	accountID string
}

func newAuthFlow(cfg *Config, host authHost, cookies CookieStore, httpc *http.Client, log zerolog.Logger) *authFlow {
	return &authFlow{
		log:     log.With().Str("component", "auth").Logger(),
		host:    host,
		cookies: cookies,
		httpc:   httpc,
		// The login server bans clients that hammer it; a request every
		// few seconds with a small burst stays well inside its tolerance.
		limiter:   rate.NewLimiter(rate.Every(3*time.Second), 3),
		loginURL:  cfg.LoginServerURL,
		username:  cfg.Username,
		password:  cfg.Password,
		accountID: cfg.accountID,
	}
}

// run drives one authentication attempt for a fresh challenge string. It
// blocks on HTTP I/O and must be called on its own goroutine.
func (a *authFlow) run(ctx context.Context, challstr string) {
	if cookie := a.cookies.Load(a.accountID); cookie != "" {
		if a.tryUpkeep(ctx, challstr, cookie) {
			return
		}
	}
	a.tryLogin(ctx, challstr)
}

// upkeepResponse is the JSON body of an act=upkeep call.
type upkeepResponse struct {
	LoggedIn  bool   `json:"loggedin"`
	Username  string `json:"username"`
	Assertion string `json:"assertion"`
}

// tryUpkeep attempts to refresh an existing session instead of a full
// credential login. It returns true when the upkeep path concluded the
// attempt (successfully or with a scheduled retry) and false to fall back
// to a full login.
func (a *authFlow) tryUpkeep(ctx context.Context, challstr, cookie string) bool {
	body, _, err := a.post(ctx, url.Values{
		"act":      {"upkeep"},
		"challstr": {challstr},
	}, cookie)
	if err != nil {
		a.log.Warn().Err(err).Msg("Session upkeep request failed, falling back to login")
		return false
	}
	var resp upkeepResponse
	if err := json.Unmarshal(stripResponsePrefix(body), &resp); err != nil {
		a.log.Warn().Err(err).Msg("Unparseable upkeep response, falling back to login")
		return false
	}
	if !resp.LoggedIn || ToID(resp.Username) != a.accountID || resp.Assertion == "" {
		a.log.Debug().Str("username", resp.Username).Msg("Session cookie no longer valid, falling back to login")
		return false
	}
	a.verifyAndSubmit(challstr, resp.Assertion, "", true)
	return true
}

// loginResponse is the JSON body of an act=login call.
type loginResponse struct {
	ActionSuccess bool   `json:"actionsuccess"`
	Assertion     string `json:"assertion"`
}

// tryLogin performs the credentialed login (POST) or, without a password,
// the unauthenticated assertion-only flow (GET).
func (a *authFlow) tryLogin(ctx context.Context, challstr string) {
	if a.password == "" {
		a.tryGetAssertion(ctx, challstr)
		return
	}
	body, cookie, err := a.post(ctx, url.Values{
		"act":      {"login"},
		"name":     {a.username},
		"pass":     {a.password},
		"challstr": {challstr},
	}, "")
	if err != nil {
		a.log.Warn().Err(err).Msg("Login request failed")
		a.host.scheduleAuthRetry(loginRetryDelay, challstr, "login server unreachable")
		return
	}
	var resp loginResponse
	if err := json.Unmarshal(stripResponsePrefix(body), &resp); err != nil {
		a.log.Warn().Err(err).Msg("Unparseable login response")
		a.host.scheduleAuthRetry(loginRetryDelay, challstr, "malformed login response")
		return
	}
	if !resp.ActionSuccess || resp.Assertion == "" {
		a.log.Warn().Msg("Login rejected by login server")
		a.host.scheduleAuthRetry(loginRetryDelay, challstr, "login rejected")
		return
	}
	a.verifyAndSubmit(challstr, resp.Assertion, cookie, false)
}

// tryGetAssertion fetches an assertion for an unregistered name. The
// response is a bare JSON string rather than an object.
func (a *authFlow) tryGetAssertion(ctx context.Context, challstr string) {
	q := url.Values{
		"act":      {"getassertion"},
		"userid":   {a.accountID},
		"challstr": {challstr},
	}
	body, err := a.get(ctx, q)
	if err != nil {
		a.log.Warn().Err(err).Msg("Assertion request failed")
		a.host.scheduleAuthRetry(loginRetryDelay, challstr, "login server unreachable")
		return
	}
	raw := stripResponsePrefix(body)
	var assertion string
	if err := json.Unmarshal(raw, &assertion); err != nil {
		// Older login servers answer with the unquoted token.
		assertion = string(raw)
	}
	a.verifyAndSubmit(challstr, assertion, "", false)
}

// verifyAndSubmit validates an assertion and either submits it as the
// terminal authentication step or schedules a retry. A cookie newly issued
// by the login server is persisted only on the success path.
func (a *authFlow) verifyAndSubmit(challstr, assertion, newCookie string, fromUpkeep bool) {
	cleaned, verdict := verifyAssertion(assertion)
	switch verdict {
	case assertionRefused:
		retry := loginRetryDelay
		if fromUpkeep {
			retry = upkeepRetryDelay
		}
		a.log.Warn().Str("reason", cleaned).Bool("from_upkeep", fromUpkeep).Msg("Login server refused authentication")
		a.host.scheduleAuthRetry(retry, challstr, cleaned)
	case assertionGarbled:
		retry := loginRetryDelay
		if fromUpkeep {
			retry = upkeepRetryDelay
		}
		a.log.Warn().Bool("from_upkeep", fromUpkeep).Msg("Assertion response looks intercepted")
		a.host.scheduleAuthRetry(retry, challstr, "connection appears to be intercepted")
	case assertionValid:
		if newCookie != "" {
			if err := a.cookies.Save(a.accountID, newCookie); err != nil {
				a.log.Warn().Err(err).Msg("Failed to persist session cookie")
			}
		}
		a.host.submitAssertion(cleaned)
	}
}

// verifyAssertion applies the validation rules in order: strip a leading
// doctype fragment up to and including its ">", strip one leading line
// break, then classify. ";;reason" is an explicit refusal; HTML, embedded
// newlines or an empty remainder mean interference.
func verifyAssertion(assertion string) (string, assertionVerdict) {
	if strings.HasPrefix(strings.ToLower(assertion), "<!doctype") {
		if i := strings.IndexByte(assertion, '>'); i >= 0 {
			assertion = assertion[i+1:]
		}
	}
	switch {
	case strings.HasPrefix(assertion, "\r\n"):
		assertion = assertion[2:]
	case strings.HasPrefix(assertion, "\n"), strings.HasPrefix(assertion, "\r"):
		assertion = assertion[1:]
	}
	if strings.HasPrefix(assertion, ";;") {
		return strings.TrimPrefix(assertion, ";;"), assertionRefused
	}
	if assertion == "" || strings.ContainsAny(assertion, "<\n") {
		return assertion, assertionGarbled
	}
	return assertion, assertionValid
}

// stripResponsePrefix removes the single "]" the login server prefixes to
// JSON bodies.
func stripResponsePrefix(body []byte) []byte {
	if len(body) > 0 && body[0] == ']' {
		return body[1:]
	}
	return body
}

// post performs a rate-limited form POST against the login server and
// returns the body plus any newly issued session cookie.
func (a *authFlow) post(ctx context.Context, form url.Values, cookie string) ([]byte, string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("login server returned status %d", resp.StatusCode)
	}
	var newCookie string
	for _, c := range resp.Cookies() {
		if c.Name == "sid" {
			newCookie = c.Name + "=" + c.Value
		}
	}
	return body, newCookie, nil
}

// get performs a rate-limited GET against the login server.
func (a *authFlow) get(ctx context.Context, q url.Values) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.loginURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login server returned status %d", resp.StatusCode)
	}
	return body, nil
}
