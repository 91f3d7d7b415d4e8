package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler defines venue-specific logic for the BaseWSWorker.
type WebSocketHandler interface {
	GetURL() string
	// OnConnect runs after dial, e.g. to log in and subscribe.
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
	// OnDisconnect is called whenever an established session ends.
	OnDisconnect(err error)
	ID() string
}

// BaseWSWorker manages the lifecycle of a WebSocket connection.
// It handles reconnection with jittered backoff, read timeouts, and
// thread-safe writes.
type BaseWSWorker struct {
	handler   WebSocketHandler
	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	connected atomic.Bool

	ReadTimeout    time.Duration
	PingInterval   time.Duration
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	HandshakeLimit time.Duration
}

// NewBaseWSWorker creates a new generic WebSocket worker.
func NewBaseWSWorker(handler WebSocketHandler) *BaseWSWorker {
	return &BaseWSWorker{
		handler:        handler,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		ReconnectBase:  time.Second,
		ReconnectMax:   time.Minute,
		HandshakeLimit: 10 * time.Second,
	}
}

// Start initiates the connection loop.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Connected reports whether a session is currently established.
func (w *BaseWSWorker) Connected() bool {
	return w.connected.Load()
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := FullJitter(retry, w.ReconnectBase, w.ReconnectMax)
			slog.Warn("WS connection failed",
				slog.String("id", w.handler.ID()),
				slog.Any("error", err),
				slog.Int("retry", retry),
				slog.Duration("delay", delay))
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0 // Reset on successful connect
		err := w.process(ctx)
		w.connected.Store(false)
		w.handler.OnDisconnect(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(FullJitter(0, w.ReconnectBase, w.ReconnectMax)):
		}
	}
}

func (w *BaseWSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.HandshakeLimit}
	header := make(http.Header)
	header.Set("User-Agent", GetUserAgent())

	conn, _, err := dialer.DialContext(ctx, w.handler.GetURL(), header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		w.close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}
	w.connected.Store(true)

	if w.PingInterval > 0 {
		go w.pingLoop(ctx, conn)
	}

	slog.Info("WS connected", slog.String("id", w.handler.ID()))
	return nil
}

func (w *BaseWSWorker) process(ctx context.Context) error {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return ctx.Err()
		}

		_ = c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("WS read error", slog.String("id", w.handler.ID()), slog.Any("error", err))
			}
			w.close()
			return err
		}

		w.handler.OnMessage(ctx, msg)
	}
}

// pingLoop is bound to one connection and exits when it is replaced.
func (w *BaseWSWorker) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != conn {
				return
			}
			w.writeMu.Lock()
			err := w.handler.OnPing(ctx, conn)
			w.writeMu.Unlock()
			if err != nil {
				slog.Warn("WS ping error", slog.String("id", w.handler.ID()), slog.Any("error", err))
				w.close()
				return
			}
		}
	}
}

// Write sends one frame on the current connection.
func (w *BaseWSWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}

	return c.WriteMessage(msgType, data)
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
