package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateReconnecting
)

// Forwarder subscribes to the event bus and pushes cache events to a remote
// websocket endpoint, typically a live dashboard. Events are dropped rather
// than queued when the consumer cannot keep up; the bus stays non-blocking.
type Forwarder struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	config            *types.StreamConfig
	bus               types.EventBus
	conn              *websocket.Conn
	connMu            sync.RWMutex
	send              chan types.CacheEvent
	reconnectCh       chan struct{}
	unsubscribe       func()
	state             atomic.Value
	reconnectAttempts int32
	shutdownOnce      sync.Once
}

func NewForwarder(ctx context.Context, logger types.Logger, config *types.StreamConfig, bus types.EventBus) (*Forwarder, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	forwarderCtx, cancel := context.WithCancel(ctx)

	forwarder := &Forwarder{
		ctx:         forwarderCtx,
		cancel:      cancel,
		logger:      logger,
		config:      &cfg,
		bus:         bus,
		send:        make(chan types.CacheEvent, cfg.Buffer),
		reconnectCh: make(chan struct{}, 1),
	}

	forwarder.state.Store(StateStopped)

	logger.Info("Event forwarder initialized",
		zap.String("url", cfg.URL),
		zap.Duration("reconnect_delay", cfg.ReconnectDelay),
		zap.Int("max_retries", cfg.MaxRetries))

	return forwarder, nil
}

func (f *Forwarder) Start() error {
	if !f.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if f.getState() == StateStarting {
			f.setState(StateRunning)
		}
	}()

	if err := f.connect(); err != nil {
		f.setState(StateStopped)
		return types.WrapError(err, "failed to establish initial connection")
	}

	f.unsubscribe = f.bus.Subscribe("*", f.enqueue)

	go f.writePump()
	go f.readPump()
	go f.reconnectLoop()

	f.logger.Info("Event forwarder started")
	return nil
}

func (f *Forwarder) Stop() error {
	if !f.transitionState(StateRunning, StateStopping) &&
		!f.transitionState(StateReconnecting, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		f.setState(StateStopped)
		f.cancel()
	}()

	f.shutdownOnce.Do(func() {
		if f.unsubscribe != nil {
			f.unsubscribe()
		}

		f.connMu.Lock()
		if f.conn != nil {
			if err := f.conn.Close(); err != nil {
				f.logger.Error("Failed to close forwarder connection", zap.Error(err))
			}
			f.conn = nil
		}
		f.connMu.Unlock()
	})

	f.logger.Info("Event forwarder stopped gracefully")
	return nil
}

func (f *Forwarder) IsRunning() bool {
	state := f.getState()
	return state == StateRunning || state == StateReconnecting
}

// enqueue is the bus listener. A full channel drops the event; the bus must
// never block on a slow consumer.
func (f *Forwarder) enqueue(event types.CacheEvent) {
	select {
	case f.send <- event:
	default:
		f.logger.Debug("Forwarder buffer full, dropping event",
			zap.String("key", event.Key),
			zap.String("type", string(event.Type)))
	}
}

func (f *Forwarder) connect() error {
	dialCtx, cancel := context.WithTimeout(f.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial event stream endpoint")
	}

	f.connMu.Lock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.conn = conn
	f.connMu.Unlock()

	atomic.StoreInt32(&f.reconnectAttempts, 0)

	f.logger.Info("Connected to event stream endpoint", zap.String("url", f.config.URL))
	return nil
}

func (f *Forwarder) reconnectLoop() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.reconnectCh:
			if !f.IsRunning() {
				return
			}

			if f.getState() == StateRunning {
				f.setState(StateReconnecting)
			}

			attempts := atomic.LoadInt32(&f.reconnectAttempts)
			if int(attempts) >= f.config.MaxRetries {
				f.logger.Error("Max reconnection attempts reached, stopping forwarder")
				if f.transitionState(StateReconnecting, StateStopping) {
					f.cancel()
				}
				return
			}

			select {
			case <-time.After(f.config.ReconnectDelay):
			case <-f.ctx.Done():
				return
			}

			atomic.AddInt32(&f.reconnectAttempts, 1)

			if err := f.connect(); err != nil {
				f.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&f.reconnectAttempts)),
					zap.Error(err))
				f.triggerReconnect()
				continue
			}

			f.setState(StateRunning)
			go f.readPump()
		}
	}
}

func (f *Forwarder) triggerReconnect() {
	select {
	case f.reconnectCh <- struct{}{}:
	case <-f.ctx.Done():
	default:
	}
}

func (f *Forwarder) writePump() {
	ticker := time.NewTicker(f.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case event := <-f.send:
			if !f.IsRunning() {
				return
			}

			data, err := utils.Marshal(event)
			if err != nil {
				f.logger.Error("Failed to marshal cache event",
					zap.String("key", event.Key),
					zap.Error(err))
				continue
			}

			if !f.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(f.config.WriteWait))
				return conn.WriteMessage(websocket.TextMessage, data)
			}) {
				f.triggerReconnect()
			}

		case <-ticker.C:
			if !f.IsRunning() {
				return
			}

			if !f.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(f.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			}) {
				f.triggerReconnect()
			}
		}
	}
}

// readPump drains one connection so control frames are processed; the
// endpoint is not expected to send data frames. A replacement pump is
// started from reconnectLoop after every successful reconnect. The pump
// reads without holding connMu so connect() can swap the connection out
// from under a blocked read; a failure on a conn that is no longer
// current belongs to an already-handled reconnect and is ignored.
func (f *Forwarder) readPump() {
	f.connMu.RLock()
	conn := f.conn
	f.connMu.RUnlock()

	if conn == nil {
		return
	}

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		if !f.IsRunning() {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(2 * f.config.PingInterval))
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Debug("Event stream connection closed", zap.Error(err))
			}

			f.connMu.RLock()
			current := f.conn == conn
			f.connMu.RUnlock()

			if current && f.IsRunning() {
				f.logger.Error("Event stream read failed", zap.Error(err))
				f.triggerReconnect()
			}
			return
		}
	}
}

func (f *Forwarder) withConnection(fn func(*websocket.Conn) error) bool {
	f.connMu.RLock()
	defer f.connMu.RUnlock()

	if f.conn == nil {
		return false
	}

	if err := fn(f.conn); err != nil {
		f.logger.Error("Event stream operation failed", zap.Error(err))
		return false
	}

	return true
}

func (f *Forwarder) getState() State {
	return f.state.Load().(State)
}

func (f *Forwarder) setState(newState State) bool {
	currentState := f.getState()
	return f.state.CompareAndSwap(currentState, newState)
}

func (f *Forwarder) transitionState(from, to State) bool {
	return f.state.CompareAndSwap(from, to)
}
