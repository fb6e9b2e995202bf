package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"sprintboard/internal/domain"
	"sprintboard/internal/protocol"
)

// ErrSessionOverflow means a session fell too far behind live push.
var ErrSessionOverflow = errors.New("session overflow")

// CloseSessionOverflow is the close reason sent to a session dropped for lagging.
const CloseSessionOverflow = "SessionOverflow"

type frame struct {
	data []byte
	seq  uint64
	live bool
}

// Session is one push connection, subscribed to at most one sprint.
type Session struct {
	ID     string
	UserID string
	Role   domain.Role

	conn      *websocket.Conn
	queueSize int

	mu         sync.Mutex
	sprintID   string
	lastQueued uint64
	pending    []frame
	live       int
	closed     bool

	lastDelivered atomic.Uint64
	wake          chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

func newSession(id string, actor domain.Actor, conn *websocket.Conn, queueSize int) *Session {
	return &Session{
		ID:        id,
		UserID:    actor.UserID,
		Role:      actor.Role,
		conn:      conn,
		queueSize: queueSize,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// SprintID is the subscribed sprint, empty before Subscribe.
func (s *Session) SprintID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sprintID
}

// LastDelivered is the highest sequence written to the connection.
func (s *Session) LastDelivered() uint64 {
	return s.lastDelivered.Load()
}

// start binds the session to a sprint. Frames go out before any live event,
// and live push resumes after position last.
func (s *Session) start(sprintID string, last uint64, frames []frame) {
	s.mu.Lock()
	s.sprintID = sprintID
	s.lastQueued = last
	s.pending = append(s.pending, frames...)
	s.mu.Unlock()
	s.signal()
}

// deliver queues a live event. Events at or below the last queued position
// are dropped so each sequence reaches the client once.
func (s *Session) deliver(evt domain.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || evt.Sequence <= s.lastQueued {
		return nil
	}
	if s.live >= s.queueSize {
		return ErrSessionOverflow
	}
	data, err := protocol.EncodeEvent(evt)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, frame{data: data, seq: evt.Sequence, live: true})
	s.live++
	s.lastQueued = evt.Sequence
	s.signal()
	return nil
}

// control queues a non-event message; it never counts toward overflow.
func (s *Session) control(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.pending = append(s.pending, frame{data: data})
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) next() (frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return frame{}, false
	}
	f := s.pending[0]
	s.pending[0] = frame{}
	s.pending = s.pending[1:]
	if f.live {
		s.live--
	}
	return f, true
}

// writeLoop owns all data writes on the connection.
func (s *Session) writeLoop(interval, writeTimeout time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if f, ok := s.next(); ok {
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return err
			}
			if f.seq > 0 {
				s.lastDelivered.Store(f.seq)
			}
			continue
		}
		select {
		case <-s.done:
			return nil
		case <-s.wake:
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		}
	}
}

// close ends the session once, telling the peer why.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}
