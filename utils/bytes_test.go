package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinBytes(t *testing.T) {
	t.Run("header and body", func(t *testing.T) {
		got := JoinBytes([]byte{4, 0, 0, 0}, []byte("ping"))
		assert.Equal(t, []byte{4, 0, 0, 0, 'p', 'i', 'n', 'g'}, got)
	})

	t.Run("result does not alias inputs", func(t *testing.T) {
		in := []byte("abc")
		got := JoinBytes(in)
		got[0] = 'z'
		assert.Equal(t, []byte("abc"), in)
	})

	t.Run("no input", func(t *testing.T) {
		assert.Empty(t, JoinBytes())
	})
}
