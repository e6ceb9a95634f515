package mevdb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandomTokenLengthAndAlphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		tok := randomToken(tokenLength)
		assert.Len(t, tok, tokenLength)
		for _, r := range tok {
			assert.True(t, strings.ContainsRune(tokenAlphabet, r), "unexpected rune %q in token %q", r, tok)
		}
	}
}

func TestRandomTokenVaries(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		seen[randomToken(tokenLength)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "expected randomToken to produce varying output")
}
