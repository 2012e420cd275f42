package vault

import (
	"encoding/hex"
	"strings"
)

// Sanitize redacts path separators and long hex/base64-looking runs
// from s so it is safe to hand to a logger: folder tokens, blob
// names, and filesystem paths can all leak structural information
// about a vault's contents if logged verbatim. Callers are expected
// to sanitize before calling Logging, per the collaborator contract;
// this helper is the one piece of that contract this package owns,
// since every log call site in this package already has the raw
// value in hand.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, `\`, "_")

	var b strings.Builder
	runStart := -1
	flush := func(end int) {
		if runStart < 0 {
			return
		}
		if end-runStart >= 16 {
			b.WriteString(redactedRun(s[runStart:end]))
		} else {
			b.WriteString(s[runStart:end])
		}
		runStart = -1
	}
	for i, r := range s {
		if isTokenRune(r) {
			if runStart < 0 {
				runStart = i
			}
			continue
		}
		flush(i)
		b.WriteRune(r)
	}
	flush(len(s))
	return b.String()
}

func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '+' || r == '-' || r == '_' || r == '=':
		return true
	default:
		return false
	}
}

// redactedRun replaces a long token with a short fingerprint: enough
// to correlate repeated log lines about the same entity, not enough
// to recover it.
func redactedRun(run string) string {
	sum := fnv32a(run)
	return "<redacted:" + hex.EncodeToString(sum[:]) + ">"
}

func fnv32a(s string) [4]byte {
	const (
		offset uint32 = 2166136261
		prime  uint32 = 16777619
	)
	h := offset
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	var out [4]byte
	out[0] = byte(h >> 24)
	out[1] = byte(h >> 16)
	out[2] = byte(h >> 8)
	out[3] = byte(h)
	return out
}
