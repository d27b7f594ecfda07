package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// WSClient follows a dev server's event stream.
type WSClient struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	seq     uint64
}

// NewWSClient creates a client that connects to the given WebSocket URL
// (e.g. "ws://127.0.0.1:8000/wtr-events").
func NewWSClient(url string, logger *zap.Logger) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{url: url, logger: logger}
}

// Listen connects and calls handle for every message until ctx is
// cancelled. It reconnects with exponential backoff when the connection
// drops. handle runs on the reading goroutine.
func (c *WSClient) Listen(ctx context.Context, handle func(WSMessage)) error {
	delay := reconnectBaseDelay
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("ws dial error", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay

		err = c.readLoop(ctx, conn, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("ws disconnected", zap.Error(err))
	}
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, handle func(WSMessage)) error {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingLoop(connCtx, conn)
	}()
	defer func() {
		cancel()
		wg.Wait()
		conn.Close()
	}()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		c.seq = msg.Seq
		c.mu.Unlock()
		handle(msg)
	}
}

// pingLoop sends periodic pings and closes conn when ctx is cancelled so a
// blocked read returns.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Decode unmarshals a message payload into the type matching msg.Type. It
// returns nil for unknown types.
func Decode(msg WSMessage) (any, error) {
	var target any
	switch msg.Type {
	case MsgSnapshot:
		target = &SnapshotPayload{}
	case MsgDelta:
		target = &DeltaPayload{}
	case MsgRerun:
		target = &RerunPayload{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(msg.Payload, target); err != nil {
		return nil, err
	}
	return target, nil
}
