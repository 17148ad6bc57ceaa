package blip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterReserveRewrite(t *testing.T) {
	var w writer
	pos := w.reserveSpace(1)
	assert.Equal(t, 0, pos)
	w.write([]byte("abc"))
	assert.Equal(t, 4, w.length())

	w.rewrite(pos, []byte{0x07})
	assert.Equal(t, []byte{0x07, 'a', 'b', 'c'}, w.extractOutput())
	assert.Equal(t, 0, w.length())
}

func TestWriterExtractNeverNil(t *testing.T) {
	var w writer
	out := w.extractOutput()
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestWriterReset(t *testing.T) {
	var w writer
	w.write([]byte("junk"))
	w.reset()
	assert.Equal(t, 0, w.length())
	w.write([]byte{1, 2})
	assert.Equal(t, []byte{1, 2}, w.extractOutput())
}
