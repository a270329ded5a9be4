package session

import (
	"errors"
	"sync"
	"time"
)

var errConnClosed = errors.New("connection closed")

// Conn is the outbound half of a streaming connection as seen by the manager.
type Conn interface {
	SendText(payload []byte) error
	Open() bool
}

// Session is the server-side state of one live streaming connection.
type Session struct {
	id        string
	buffer    *Buffer
	conn      Conn
	task      Task
	createdAt time.Time

	sendMu sync.Mutex
}

func newSession(id string, conn Conn, now func() time.Time) *Session {
	return &Session{
		id:        id,
		buffer:    NewBuffer(now),
		conn:      conn,
		createdAt: now(),
	}
}

// send writes one text frame. Writes for a session never interleave.
func (s *Session) send(payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.conn.Open() {
		return errConnClosed
	}
	return s.conn.SendText(payload)
}
