package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshal(t *testing.T) {
	type stop struct {
		ID   string  `json:"id"`
		Name string  `json:"name"`
		Lat  float64 `json:"lat"`
	}

	in := stop{ID: "12", Name: "Market St", Lat: 47.66}
	raw, err := Marshal(in)
	require.NoError(t, err)

	var out stop
	require.NoError(t, Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}

func TestMarshalRejectsUnserializable(t *testing.T) {
	_, err := Marshal(make(chan int))
	assert.Error(t, err)
}

func TestSerializedSize(t *testing.T) {
	size, err := SerializedSize("abc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size, `"abc" serializes with quotes`)

	_, err = SerializedSize(make(chan int))
	assert.Error(t, err)
}

func TestUnmarshalConfig(t *testing.T) {
	type target struct {
		Path  string `json:"path"`
		Quota int64  `json:"quota_bytes"`
	}

	var out target
	require.NoError(t, UnmarshalConfig(map[string]interface{}{
		"path":        "/tmp/snapshot",
		"quota_bytes": 1024,
	}, &out))

	assert.Equal(t, "/tmp/snapshot", out.Path)
	assert.Equal(t, int64(1024), out.Quota)
}

func TestMarshalReturnsCopy(t *testing.T) {
	first, err := Marshal(map[string]string{"k": "v1"})
	require.NoError(t, err)

	snapshot := string(first)

	_, err = Marshal(map[string]string{"k": "a much longer second value to reuse the pooled buffer"})
	require.NoError(t, err)

	assert.Equal(t, snapshot, string(first), "a pooled buffer reuse must not mutate earlier results")
}
