// Package utils holds small byte and text helpers shared by the relay server
// and client.
package utils

import (
	"bytes"
	"math/rand/v2"
	"strings"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ReadStringFromBytes interprets the payload as NUL-terminated text. Everything
// after the first 0x00 byte is ignored; without one the whole payload is used.
//
// Parameters:
//   - buffer: The received payload
//
// Returns:
//   - The text content before the first NUL byte
func ReadStringFromBytes(buffer []byte) string {
	text, _, _ := bytes.Cut(buffer, []byte{0})
	return string(text)
}

// GenerateRandomString returns length characters drawn from [a-zA-Z0-9], or
// "" for a non-positive length. Not suitable for secrets.
func GenerateRandomString(length int) string {
	if length <= 0 {
		return ""
	}

	var sb strings.Builder
	sb.Grow(length)
	for range length {
		sb.WriteByte(alphanumeric[rand.IntN(len(alphanumeric))])
	}

	return sb.String()
}
