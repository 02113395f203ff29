package cache

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/transitlive/transit-cache/types"
)

func TestStaticConnectivityToggles(t *testing.T) {
	c := NewStaticConnectivity(true)
	assert.True(t, c.Online())

	c.SetOnline(false)
	assert.False(t, c.Online())
}

func TestProbeConnectivityCachesResult(t *testing.T) {
	var dials int
	probe := NewProbeConnectivity("1.1.1.1:443", time.Hour, time.Second)
	probe.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errors.New("network unreachable")
	}

	assert.False(t, probe.Online())
	assert.False(t, probe.Online())
	assert.Equal(t, 1, dials, "result must be cached within the probe interval")
}

func TestProbeConnectivityReprobesAfterInterval(t *testing.T) {
	var dials int
	probe := NewProbeConnectivity("1.1.1.1:443", time.Millisecond, time.Second)
	probe.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("network unreachable")
		}
		client, server := net.Pipe()
		_ = server.Close()
		return client, nil
	}

	assert.False(t, probe.Online())
	time.Sleep(5 * time.Millisecond)
	assert.True(t, probe.Online())
	assert.Equal(t, 2, dials)
}

func TestNewConnectivityCheckerDefaults(t *testing.T) {
	assert.True(t, NewConnectivityChecker(nil).Online())
	assert.True(t, NewConnectivityChecker(&types.ConnectivityConfig{Type: "static"}).Online())

	checker := NewConnectivityChecker(&types.ConnectivityConfig{
		Type:          "probe",
		ProbeAddr:     "1.1.1.1:443",
		ProbeInterval: 15 * time.Second,
		ProbeTimeout:  3 * time.Second,
	})
	_, ok := checker.(*ProbeConnectivity)
	assert.True(t, ok)

	// Probe without an address falls back to always-online.
	checker = NewConnectivityChecker(&types.ConnectivityConfig{Type: "probe"})
	_, ok = checker.(*StaticConnectivity)
	assert.True(t, ok)
}
