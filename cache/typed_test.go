package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type route struct {
	ID        string `json:"id"`
	ShortName string `json:"short_name"`
	Color     string `json:"color"`
}

func TestTypedRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t)
	routes := NewTyped[route](c)

	want := route{ID: "44", ShortName: "44 Ballard", Color: "#0077c0"}
	require.NoError(t, routes.Set("routes:44", want, Routes))

	got, ok := routes.GetCached("routes:44", Routes)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestTypedGetFetches(t *testing.T) {
	c, _, _ := newTestCache(t)
	routes := NewTyped[route](c)

	got, err := routes.Get(context.Background(), "routes:44", func(ctx context.Context) (route, error) {
		return route{ID: "44", ShortName: "44 Ballard"}, nil
	}, Routes)

	require.NoError(t, err)
	assert.Equal(t, "44 Ballard", got.ShortName)
}

func TestTypedDecodesGenericShapes(t *testing.T) {
	c, _, _ := newTestCache(t)

	// A restored snapshot stores entries as generic JSON maps; the typed view
	// must decode them back into the concrete struct.
	require.NoError(t, c.Set("routes:44", map[string]interface{}{
		"id":         "44",
		"short_name": "44 Ballard",
		"color":      "#0077c0",
	}, Routes))

	routes := NewTyped[route](c)
	got, ok := routes.GetCached("routes:44", Routes)
	require.True(t, ok)
	assert.Equal(t, route{ID: "44", ShortName: "44 Ballard", Color: "#0077c0"}, got)
}

func TestTypedDecodeMismatchMisses(t *testing.T) {
	c, _, _ := newTestCache(t)

	require.NoError(t, c.Set("routes:44", "not a route", Routes))

	routes := NewTyped[route](c)
	_, ok := routes.GetCached("routes:44", Routes)
	assert.False(t, ok, "a value that cannot decode as T is treated as a miss")
}
