// Copyright 2024-2026 Aiku AI

package client

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.mau.fi/util/jsontime"
)

// CookieStore persists the login-server session cookie across reconnects
// and process upgrades. One connection owns the cookie at a time; writes
// are last-writer-wins.
type CookieStore interface {
	Load(accountID string) string
	Save(accountID, cookie string) error
}

// MemoryCookieStore keeps cookies for the process lifetime only.
type MemoryCookieStore struct {
	mu      sync.Mutex
	cookies map[string]string
}

func NewMemoryCookieStore() *MemoryCookieStore {
	return &MemoryCookieStore{cookies: make(map[string]string)}
}

func (s *MemoryCookieStore) Load(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies[accountID]
}

func (s *MemoryCookieStore) Save(accountID, cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cookies[accountID] = cookie
	return nil
}

// cookieEntry is the on-disk record for one account.
type cookieEntry struct {
	Cookie    string             `json:"cookie"`
	UpdatedAt jsontime.UnixMilli `json:"updated_at"`
}

// FileCookieStore persists cookies as a small JSON file so a restarted or
// hot-upgraded process can skip the full credential login.
type FileCookieStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCookieStore(path string) *FileCookieStore {
	return &FileCookieStore{path: path}
}

func (s *FileCookieStore) Load(accountID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return ""
	}
	return entries[accountID].Cookie
}

func (s *FileCookieStore) Save(accountID, cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read()
	if err != nil {
		return err
	}
	entries[accountID] = cookieEntry{Cookie: cookie, UpdatedAt: jsontime.UnixMilliNow()}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookie file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	return nil
}

func (s *FileCookieStore) read() (map[string]cookieEntry, error) {
	entries := make(map[string]cookieEntry)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie file: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt cookie file: %w", err)
	}
	return entries, nil
}
