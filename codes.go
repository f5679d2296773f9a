package duo

import (
	"crypto/rand"
	"strings"
)

// codeAlphabet avoids symbols that read ambiguously when spoken or
// scribbled down: no I, O, 0 or 1. 32 symbols, 6 positions, ~1.07e9 codes.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// generateCode draws 6 independent uniform symbols. 32 divides 256, so a
// plain modulo over crypto/rand bytes is unbiased.
func generateCode() string {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	for i := range b {
		b[i] = codeAlphabet[b[i]%byte(len(codeAlphabet))]
	}
	return string(b)
}

// NormalizeCode canonicalizes user input: surrounding whitespace trimmed,
// letters uppercased. Codes compare case-insensitively.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
