package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/webtestrunner/devserver/internal/session"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

// ErrStopped is returned by AddClient once the broadcaster is stopped.
var ErrStopped = errors.New("broadcaster stopped")

const eventBuffer = 256

// SessionSource is the registry the broadcaster mirrors.
type SessionSource interface {
	All() []*session.Session
	Subscribe(buffer int) (<-chan session.Event, func())
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans session changes out to websocket clients. Registry writes
// are coalesced per session into deltas sent at most once per throttle
// window; full snapshots go out on connect and every snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	source   SessionSource
	maxConns int
	logger   *zap.Logger
	seq      atomic.Uint64

	throttle         time.Duration
	snapshotInterval time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewBroadcaster creates a broadcaster. A maxConns of zero means no limit;
// a snapshotInterval of zero disables periodic snapshots.
func NewBroadcaster(source SessionSource, throttle, snapshotInterval time.Duration, maxConns int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:          make(map[*client]bool),
		source:           source,
		maxConns:         maxConns,
		logger:           logger,
		throttle:         throttle,
		snapshotInterval: snapshotInterval,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start subscribes to the registry and runs the fan-out loop until ctx is
// cancelled or Stop is called.
func (b *Broadcaster) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	events, cancel := b.source.Subscribe(eventBuffer)
	go func() {
		defer close(b.doneCh)
		defer cancel()
		b.run(ctx, events)
	}()
}

// Stop ends the loop and disconnects every client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.started.Load() {
			<-b.doneCh
		}

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) run(ctx context.Context, events <-chan session.Event) {
	var snapshots <-chan time.Time
	if b.snapshotInterval > 0 {
		ticker := time.NewTicker(b.snapshotInterval)
		defer ticker.Stop()
		snapshots = ticker.C
	}

	var (
		pending = make(map[string]*session.Session)
		order   []string
		flushC  <-chan time.Time
		timer   *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	flush := func() {
		flushC = nil
		if len(order) == 0 {
			return
		}
		updates := make([]*session.Session, 0, len(order))
		for _, id := range order {
			updates = append(updates, pending[id])
		}
		pending = make(map[string]*session.Session)
		order = nil
		b.broadcast(MsgDelta, DeltaPayload{Updates: updates})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			id := ev.Session.ID
			if _, seen := pending[id]; !seen {
				order = append(order, id)
			}
			pending[id] = ev.Session
			if b.throttle <= 0 {
				flush()
				continue
			}
			if flushC == nil {
				if timer == nil {
					timer = time.NewTimer(b.throttle)
				} else {
					timer.Reset(b.throttle)
				}
				flushC = timer.C
			}
		case <-flushC:
			flush()
		case <-snapshots:
			b.broadcast(MsgSnapshot, SnapshotPayload{Sessions: b.source.All()})
		}
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}
	snapshot, encodeErr := b.encode(MsgSnapshot, SnapshotPayload{Sessions: b.source.All()})

	b.mu.Lock()
	select {
	case <-b.stopCh:
		b.mu.Unlock()
		return nil, ErrStopped
	default:
	}
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	if encodeErr != nil {
		return c, nil
	}
	// send is only closed with b.mu held and the client removed.
	b.mu.RLock()
	if b.clients[c] {
		select {
		case c.send <- snapshot:
		default:
			// Client too slow, drop the snapshot
		}
	}
	b.mu.RUnlock()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Rerun tells launchers to reload the pages of rescheduled sessions.
func (b *Broadcaster) Rerun(sessions []*session.Session) {
	targets := make([]RerunTarget, 0, len(sessions))
	for _, s := range sessions {
		targets = append(targets, RerunTarget{
			SessionID: s.ID,
			TestRun:   s.TestRun,
			TestFile:  s.TestFile,
			Browser:   s.Browser,
		})
	}
	b.broadcast(MsgRerun, RerunPayload{Sessions: targets})
}

func (b *Broadcaster) encode(t MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(WSMessage{Type: t, Seq: b.seq.Add(1), Payload: payload})
	if err != nil {
		b.logger.Error("broadcast marshal error", zap.String("type", string(t)), zap.Error(err))
	}
	return data, err
}

func (b *Broadcaster) broadcast(t MessageType, payload interface{}) {
	data, err := b.encode(t, payload)
	if err != nil {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		// RemoveClient may close send concurrently; hold the read lock so the
		// send never races the close.
		b.mu.RLock()
		if !b.clients[c] {
			b.mu.RUnlock()
			continue
		}
		select {
		case c.send <- data:
			b.mu.RUnlock()
		default:
			b.mu.RUnlock()
			b.logger.Warn("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
