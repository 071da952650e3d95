package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToUTF8(t *testing.T) {
	// "Société  " in WIN1252
	raw := []byte{'S', 'o', 'c', 'i', 0xE9, 't', 0xE9, ' ', ' '}

	assert.Equal(t, "Société", ToUTF8(raw))
	assert.Equal(t, "", ToUTF8(nil))
}

func TestNormalizeColumn(t *testing.T) {
	assert.Equal(t, "Café", NormalizeColumn([]byte{'C', 'a', 'f', 0xE9}))
	assert.Equal(t, "INV-1", NormalizeColumn("INV-1   "))
	assert.Equal(t, int64(7), NormalizeColumn(int64(7)))
	assert.Nil(t, NormalizeColumn(nil))
}
