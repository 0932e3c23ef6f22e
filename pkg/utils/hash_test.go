package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("user-joined"), []byte(`{"meeting_id":"m1"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, ContentHash([]byte("user-joined"), []byte(`{"meeting_id":"m1"}`)))
	assert.NotEqual(t, a, ContentHash([]byte("user-left"), []byte(`{"meeting_id":"m1"}`)))
	assert.NotEqual(t, ContentHash([]byte("ab"), []byte("c")), ContentHash([]byte("a"), []byte("bc")))
}
