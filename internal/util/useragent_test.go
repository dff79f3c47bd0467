package util

import (
	"strings"
	"testing"
)

func TestUserAgentForIsStable(t *testing.T) {
	first := UserAgentFor("account-seed-1")
	for i := 0; i < 10; i++ {
		if got := UserAgentFor("account-seed-1"); got != first {
			t.Fatalf("user agent drifted: %q vs %q", got, first)
		}
	}
	if !strings.Contains(first, "Chrome/") {
		t.Fatalf("unexpected user agent %q", first)
	}
}

func TestUserAgentForEmptySeed(t *testing.T) {
	if UserAgentFor("") == "" {
		t.Fatal("empty seed must still produce a user agent")
	}
}
