package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/transitlive/transit-cache/cache"
	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type nopLogger struct {
	z *zap.Logger
}

func newTestLogger() types.Logger {
	return &nopLogger{z: zap.NewNop()}
}

func (l *nopLogger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *nopLogger) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	l.z.Error(msg, append(fields, zap.Error(err))...)
}
func (l *nopLogger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *nopLogger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *nopLogger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *nopLogger) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	l.z.Log(lvl, msg, fields...)
}

// wsSink accepts one websocket client and records every text frame.
type wsSink struct {
	server   *httptest.Server
	mu       sync.Mutex
	messages [][]byte
}

func newWSSink(t *testing.T) *wsSink {
	t.Helper()

	sink := &wsSink{}
	upgrader := websocket.Upgrader{}

	sink.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			sink.mu.Lock()
			sink.messages = append(sink.messages, message)
			sink.mu.Unlock()
		}
	}))
	t.Cleanup(sink.server.Close)

	return sink
}

func (s *wsSink) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *wsSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *wsSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[len(s.messages)-1]
}

func newTestForwarder(t *testing.T, url string, bus types.EventBus) *Forwarder {
	t.Helper()

	forwarder, err := NewForwarder(context.Background(), newTestLogger(), &types.StreamConfig{
		Enabled:        true,
		URL:            url,
		ReconnectDelay: 50 * time.Millisecond,
		MaxRetries:     3,
	}, bus)
	require.NoError(t, err)

	return forwarder
}

func TestForwarderStreamsBusEvents(t *testing.T) {
	sink := newWSSink(t)
	bus := cache.NewEventBus(newTestLogger())

	forwarder := newTestForwarder(t, sink.url(), bus)
	require.NoError(t, forwarder.Start())
	defer forwarder.Stop()

	bus.Publish(types.CacheEvent{
		Type: types.EventUpdated,
		Key:  "vehicles:2",
		Data: map[string]interface{}{"lat": 47.66},
	})

	require.Eventually(t, func() bool {
		return sink.count() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	var event types.CacheEvent
	require.NoError(t, utils.Unmarshal(sink.last(), &event))
	assert.Equal(t, types.EventUpdated, event.Type)
	assert.Equal(t, "vehicles:2", event.Key)
}

func TestForwarderStartFailsWithoutEndpoint(t *testing.T) {
	bus := cache.NewEventBus(newTestLogger())
	forwarder := newTestForwarder(t, "ws://127.0.0.1:1/events", bus)

	require.Error(t, forwarder.Start())
	assert.False(t, forwarder.IsRunning())
}

func TestForwarderLifecycle(t *testing.T) {
	sink := newWSSink(t)
	bus := cache.NewEventBus(newTestLogger())

	forwarder := newTestForwarder(t, sink.url(), bus)
	require.NoError(t, forwarder.Start())
	assert.True(t, forwarder.IsRunning())
	assert.ErrorIs(t, forwarder.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, forwarder.Stop())
	assert.False(t, forwarder.IsRunning())
	assert.ErrorIs(t, forwarder.Stop(), types.ErrServerNotRunning)
}

func TestForwarderReadsAfterReconnect(t *testing.T) {
	var (
		mu    sync.Mutex
		conns []*websocket.Conn
	)
	upgrader := websocket.Upgrader{}

	// The first accepted connection drops immediately to force a reconnect;
	// later ones stay open until the test closes them.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		n := len(conns)
		mu.Unlock()

		if n == 1 {
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	connCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(conns)
	}

	bus := cache.NewEventBus(newTestLogger())
	forwarder := newTestForwarder(t, "ws"+strings.TrimPrefix(server.URL, "http"), bus)
	require.NoError(t, forwarder.Start())
	defer forwarder.Stop()

	require.Eventually(t, func() bool {
		return connCount() >= 2 && forwarder.getState() == StateRunning
	}, 3*time.Second, 10*time.Millisecond)

	// Only a read pump on the replacement connection can notice this close;
	// no events are flowing and pings are nearly a minute apart.
	mu.Lock()
	second := conns[1]
	mu.Unlock()
	require.NoError(t, second.Close())

	require.Eventually(t, func() bool {
		return connCount() >= 3
	}, 3*time.Second, 10*time.Millisecond)
}

func TestForwarderDropsWhenBufferFull(t *testing.T) {
	sink := newWSSink(t)
	bus := cache.NewEventBus(newTestLogger())

	forwarder, err := NewForwarder(context.Background(), newTestLogger(), &types.StreamConfig{
		Enabled: true,
		URL:     sink.url(),
		Buffer:  1,
	}, bus)
	require.NoError(t, err)
	require.NoError(t, forwarder.Start())
	defer forwarder.Stop()

	// Flooding the listener must never block the publishing goroutine.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish(types.CacheEvent{Type: types.EventUpdated, Key: "vehicles:2"})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("publishing blocked on a slow forwarder")
	}
}

func TestNewForwarderDefaults(t *testing.T) {
	bus := cache.NewEventBus(newTestLogger())

	forwarder, err := NewForwarder(context.Background(), newTestLogger(), &types.StreamConfig{
		Enabled: true,
		URL:     "ws://localhost:8081/events",
	}, bus)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, forwarder.config.ReconnectDelay)
	assert.Equal(t, 10, forwarder.config.MaxRetries)
	assert.Equal(t, 54*time.Second, forwarder.config.PingInterval)
	assert.Equal(t, 10*time.Second, forwarder.config.WriteWait)
	assert.Equal(t, 256, forwarder.config.Buffer)

	_, err = NewForwarder(context.Background(), newTestLogger(), nil, bus)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}
