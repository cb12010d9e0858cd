package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/TopGunBuild/topgun/internal/metrics"
	"github.com/TopGunBuild/topgun/internal/operation"
	"github.com/TopGunBuild/topgun/internal/subscription"
)

// wsMessage is the outbound wire frame: either an operation result or
// a pushed subscription event.
type wsMessage struct {
	Kind   string              `msgpack:"kind"`
	Result *operation.Result   `msgpack:"result,omitempty"`
	Event  *subscription.Event `msgpack:"event,omitempty"`
}

// conn is one live websocket client with its bounded outbound queue.
// A writer goroutine owns the socket; sends that cannot be queued are
// dropped rather than blocking the partition path. The queue is
// bounded twice: by frame count and by total pending bytes, so a slow
// reader cannot pin large frames indefinitely.
type conn struct {
	clientID     string
	ws           *websocket.Conn
	outbound     chan []byte
	pendingBytes atomic.Int64
	maxPending   int64
	sendTimeout  time.Duration
	closeOnce    sync.Once
	done         chan struct{}
	logger       *zap.Logger
}

func newConn(clientID string, ws *websocket.Conn, capacity int, maxPendingBytes int64, sendTimeout time.Duration, logger *zap.Logger) *conn {
	return &conn{
		clientID:    clientID,
		ws:          ws,
		outbound:    make(chan []byte, capacity),
		maxPending:  maxPendingBytes,
		sendTimeout: sendTimeout,
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("client_id", clientID)),
	}
}

// enqueue hands a frame to the writer without blocking.
func (c *conn) enqueue(frame []byte) error {
	size := int64(len(frame))
	if total := c.pendingBytes.Add(size); c.maxPending > 0 && total > c.maxPending {
		c.pendingBytes.Add(-size)
		return fmt.Errorf("outbound buffer over %d bytes for client %s", c.maxPending, c.clientID)
	}
	select {
	case <-c.done:
		c.pendingBytes.Add(-size)
		return fmt.Errorf("connection %s is closed", c.clientID)
	case c.outbound <- frame:
		return nil
	default:
		c.pendingBytes.Add(-size)
		return fmt.Errorf("outbound queue full for client %s", c.clientID)
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.outbound:
			c.pendingBytes.Add(-int64(len(frame)))
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.sendTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("Write failed, closing connection", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// ConnRegistry tracks live connections by client id and pushes
// subscription events to them.
type ConnRegistry struct {
	mu      sync.RWMutex
	conns   map[string]*conn
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewConnRegistry(m *metrics.Metrics, logger *zap.Logger) *ConnRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnRegistry{
		conns:   make(map[string]*conn),
		metrics: m,
		logger:  logger,
	}
}

func (r *ConnRegistry) add(c *conn) {
	r.mu.Lock()
	old := r.conns[c.clientID]
	r.conns[c.clientID] = c
	r.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (r *ConnRegistry) remove(c *conn) {
	r.mu.Lock()
	if r.conns[c.clientID] == c {
		delete(r.conns, c.clientID)
	}
	r.mu.Unlock()
	c.close()
}

func (r *ConnRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send implements subscription.Sender.
func (r *ConnRegistry) Send(clientID string, event subscription.Event) error {
	r.mu.RLock()
	c := r.conns[clientID]
	r.mu.RUnlock()
	if c == nil {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	frame, err := msgpack.Marshal(wsMessage{Kind: "event", Event: &event})
	if err != nil {
		return err
	}
	if err := c.enqueue(frame); err != nil {
		r.metrics.EventsDroppedTotal.Inc()
		return err
	}
	r.metrics.EventsDeliveredTotal.Inc()
	return nil
}

// CloseAll terminates every connection, used on shutdown.
func (r *ConnRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
