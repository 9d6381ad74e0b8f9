package service

import (
	"math/rand/v2"
	"strings"
)

// ShareCodeLength is the number of characters in a share code.
const ShareCodeLength = 8

const shareCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeGenerator produces candidate share codes. Uniqueness is enforced by the
// metadata store, not the generator.
type CodeGenerator interface {
	Generate() string
}

// RandomCodeGenerator draws each character uniformly from [A-Z0-9].
type RandomCodeGenerator struct{}

func (RandomCodeGenerator) Generate() string {
	code := make([]byte, ShareCodeLength)
	for i := range code {
		code[i] = shareCodeAlphabet[rand.IntN(len(shareCodeAlphabet))]
	}
	return string(code)
}

// ValidShareCode reports whether code is exactly 8 characters from [A-Z0-9].
func ValidShareCode(code string) bool {
	if len(code) != ShareCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// normalizeShareCode accepts codes typed in lower case or with stray spaces.
func normalizeShareCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
