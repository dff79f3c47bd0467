package util

import (
	"crypto/sha256"
	"encoding/binary"
)

// userAgents is the pool of Chromium User-Agent strings accounts are pinned to.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

// UserAgentFor returns a stable User-Agent for the given seed. The same
// account always presents the same browser fingerprint across restarts.
func UserAgentFor(seed string) string {
	if seed == "" {
		return userAgents[0]
	}
	sum := sha256.Sum256([]byte(seed))
	idx := binary.BigEndian.Uint32(sum[:4]) % uint32(len(userAgents))
	return userAgents[idx]
}
