package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write. The clock stream emits one
	// frame per second, so a write that cannot finish within two tick
	// periods means the peer is gone and the stream should drop.
	writeWait = 2 * time.Second

	// readWait is how long the connection may sit idle with no client
	// action before the read loop gives up.
	readWait = 5 * time.Minute
)

// StreamConn wraps a WebSocket connection for the attempt clock stream.
// The tick pusher and the action responder write from different goroutines
// and gorilla/websocket allows only one writer at a time, so every outbound
// frame goes through one mutex.
type StreamConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStreamConn(conn *websocket.Conn) *StreamConn {
	return &StreamConn{conn: conn}
}

// WriteTyped sends a strongly-typed event frame. Safe for concurrent use.
func (s *StreamConn) WriteTyped(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse frame.
func (s *StreamConn) WriteError(errMsg string) error {
	return s.WriteTyped(ErrorResponse{
		Event: EventError,
		Error: errMsg,
	})
}

// ReadJSON reads and decodes the next client action. Reads stay on a
// single goroutine; only writes need the mutex.
func (s *StreamConn) ReadJSON(v interface{}) error {
	s.conn.SetReadDeadline(time.Now().Add(readWait))
	return s.conn.ReadJSON(v)
}

// Close closes the underlying connection.
func (s *StreamConn) Close() error {
	return s.conn.Close()
}
