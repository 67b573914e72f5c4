package domain

import (
	"math/rand"
	"strings"
)

// ClassCodeAlphabet omits characters that are easy to misread (I, O, 0, 1).
const ClassCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// ClassCodeLength is the number of characters in a join code.
const ClassCodeLength = 6

// NewClassCode returns a random join code. Stores retry on collision.
func NewClassCode() string {
	b := make([]byte, ClassCodeLength)
	for i := range b {
		b[i] = ClassCodeAlphabet[rand.Intn(len(ClassCodeAlphabet))]
	}
	return string(b)
}

// ValidClassCode reports whether code could have come from NewClassCode.
func ValidClassCode(code string) bool {
	if len(code) != ClassCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(ClassCodeAlphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
