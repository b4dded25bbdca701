package stream

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestNewId(t *testing.T) {
	a := NewId()
	b := NewId()
	assert.NotEqual(t, a, b)

	// uuid formatted for logs
	s := a.String()
	assert.Equal(t, len(s), 36)
	assert.Equal(t, strings.Count(s, "-"), 4)

	// comparable, usable as a registry key
	handles := map[Id]bool{a: true}
	assert.Equal(t, handles[a], true)
	assert.Equal(t, handles[b], false)
}
