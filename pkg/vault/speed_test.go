package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", FormatSpeed(0))
	assert.Equal(t, "512 B/s", FormatSpeed(512))
	assert.Equal(t, "1.0 KB/s", FormatSpeed(1024))
	assert.Equal(t, "2.5 KB/s", FormatSpeed(2560))
	assert.Equal(t, "1.0 MB/s", FormatSpeed(1024*1024))
	assert.Equal(t, "3.5 MB/s", FormatSpeed(3.5*1024*1024))
}
