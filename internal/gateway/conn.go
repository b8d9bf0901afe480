package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/devangk003/hivecodex-sub000/internal/room"
	"github.com/devangk003/hivecodex-sub000/pkg/proto"
)

const (
	writeQueueSize = 256
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	readTimeout    = 90 * time.Second
)

// wsConn wraps one websocket connection. Writes go through a buffered
// channel drained by a single writer goroutine so room actors never
// block on a slow client; the writer also owns the keepalive ping.
type wsConn struct {
	id   string
	user proto.User
	conn *websocket.Conn

	writeChan chan proto.Envelope
	closeChan chan struct{}
	closed    bool
	closeMu   sync.Mutex

	// Owned by the read loop.
	room *room.Room
}

func newWSConn(conn *websocket.Conn, user proto.User) *wsConn {
	c := &wsConn{
		id:        uuid.NewString(),
		user:      user,
		conn:      conn,
		writeChan: make(chan proto.Envelope, writeQueueSize),
		closeChan: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) User() proto.User { return c.user }

// Send queues an envelope for the writer goroutine. A connection whose
// queue is full loses the message rather than stalling the room.
func (c *wsConn) Send(env proto.Envelope) {
	select {
	case c.writeChan <- env:
	case <-c.closeChan:
	default:
		InitMetrics().BroadcastDropped.Inc()
		log.Warn().Str("conn", c.id).Str("type", env.Type).Msg("write queue full, dropping message")
	}
}

func (c *wsConn) writeLoop() {
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-c.closeChan:
			return
		case <-pingTicker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("ping failed")
				return
			}
		case env := <-c.writeChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("write failed")
				return
			}
		}
	}
}

// Close shuts the connection and stops the writer goroutine.
func (c *wsConn) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeChan)
	_ = c.conn.Close()
}
