// Copyright 2024-2026 Aiku AI

package client

import "testing"

// TestToID verifies the canonical ID fold.
func TestToID(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"Some User!", "someuser"},
		{"★Ranked Name", "rankedname"},
		{"already", "already"},
		{"UPPER123", "upper123"},
		{"tech-code", "techcode"},
		{"", ""},
		{"日本語", ""},
	}
	for _, tc := range tests {
		if got := ToID(tc.in); got != tc.want {
			t.Errorf("ToID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestToRoomID verifies the dash survives room ID normalization.
func TestToRoomID(t *testing.T) {
	t.Parallel()
	if got := ToRoomID("Tech &amp; Code"); got != "techampcode" {
		t.Errorf("ToRoomID = %q", got)
	}
	if got := ToRoomID("battle-gen9ou-123"); got != "battle-gen9ou-123" {
		t.Errorf("ToRoomID = %q", got)
	}
}

// TestStripRank verifies single-symbol rank stripping, including
// multi-byte symbols.
func TestStripRank(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{" plainuser", "plainuser"},
		{"+voiced", "voiced"},
		{"@moderator", "moderator"},
		{"*botaccount", "botaccount"},
		{"★battler", "battler"},
		{"norank", "norank"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := stripRank(tc.in); got != tc.want {
			t.Errorf("stripRank(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
