package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyType(t *testing.T) {
	assert.Equal(t, "vehicles", KeyType("vehicles:2"))
	assert.Equal(t, "stop_times", KeyType("stop_times:12:weekday"))
	assert.Equal(t, "agencies", KeyType("agencies"))
	assert.Equal(t, "", KeyType(""))
	assert.Equal(t, ":odd", KeyType(":odd"), "a leading separator yields no type prefix")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0B", FormatBytes(0))
	assert.Equal(t, "512B", FormatBytes(512))
	assert.Equal(t, "1.0KB", FormatBytes(1024))
	assert.Equal(t, "2.0MB", FormatBytes(2*1024*1024))
	assert.Equal(t, "3.5GB", FormatBytes(3*1024*1024*1024+512*1024*1024))
}

func TestBytesToString(t *testing.T) {
	assert.Equal(t, "", BytesToString(nil))
	assert.Equal(t, "snapshot", BytesToString([]byte("snapshot")))
}
