// Package ids generates the short opaque identifiers used for sessions,
// files, and executions, plus the lowercase suffixes embedded in pod and
// job names.
package ids

import (
	"crypto/rand"
	"fmt"
)

const (
	// Length is the fixed length of every generated identifier.
	Length = 21

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	interior     = alphanumeric + "_-"
	hexDigits    = "0123456789abcdef"
)

// New returns a 21-character URL-safe identifier. The first and last
// characters are always alphanumeric so the id survives naive tokenizers
// that split on leading/trailing punctuation.
func New() string {
	buf := make([]byte, Length)
	randomFill(buf)

	out := make([]byte, Length)
	out[0] = alphanumeric[int(buf[0])%len(alphanumeric)]
	out[Length-1] = alphanumeric[int(buf[Length-1])%len(alphanumeric)]
	for i := 1; i < Length-1; i++ {
		out[i] = interior[int(buf[i])%len(interior)]
	}
	return string(out)
}

// Valid reports whether s has the shape produced by New.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_' || c == '-':
			if i == 0 || i == len(s)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// HexSuffix returns n random lowercase hex characters, used for pod and
// job name suffixes (pool-py-3fa9c01b, exec-go-...-8d02e1f4).
func HexSuffix(n int) string {
	buf := make([]byte, n)
	randomFill(buf)
	for i := range buf {
		buf[i] = hexDigits[int(buf[i])%len(hexDigits)]
	}
	return string(buf)
}

func randomFill(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process cannot safely mint identifiers.
		panic(fmt.Sprintf("ids: crypto/rand read failed: %v", err))
	}
}
