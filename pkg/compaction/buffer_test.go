package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRefCountedBuffer(t *testing.T) {
	buf := NewRefCountedBuffer([]byte("hello"))
	assert.Equal(t, int64(1), buf.RefCount())
	assert.Equal(t, []byte("hello"), buf.Bytes())

	buf.Acquire()
	assert.Equal(t, int64(2), buf.RefCount())

	buf.Release()
	assert.Equal(t, int64(1), buf.RefCount())
	assert.Equal(t, []byte("hello"), buf.Bytes())

	buf.Release()
	assert.Equal(t, int64(0), buf.RefCount())
	assert.Nil(t, buf.Bytes())
}
