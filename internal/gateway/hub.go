// Package gateway pushes sequenced task events to live websocket sessions.
// Each session subscribes to one sprint, may resume from its last delivered
// sequence, and is disconnected rather than waited on when it falls behind.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"

	"sprintboard/internal/config"
	"sprintboard/internal/domain"
	"sprintboard/internal/events"
	"sprintboard/internal/protocol"
)

// Replayer is the replay window sessions resume from. SinceLast must report
// the suffix and the last sequence from one consistent read.
type Replayer interface {
	SinceLast(sprintID string, seq uint64) ([]domain.TaskEvent, uint64, error)
	Last(sprintID string) uint64
}

type Options struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
}

// OptionsFrom reads the gateway section of the board config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		QueueSize:         cfg.Gateway.QueueSize,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Gateway.HeartbeatTimeout,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
	}
}

type Hub struct {
	// Authenticate resolves the caller before the upgrade.
	Authenticate func(r *http.Request) (domain.Actor, error)
	// Authorize decides whether actor may subscribe to a sprint. Errors that
	// implement Code() string have that code sent back to the client.
	Authorize func(ctx context.Context, actor domain.Actor, sprintID string) error

	opts     Options
	log      Replayer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	rooms    map[string]map[*Session]struct{}
	sessions map[*Session]struct{}
	closed   bool
	conns    conc.WaitGroup
}

func NewHub(log Replayer, opts Options, logger *slog.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		opts:   opts,
		log:    log,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms:    make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]struct{}),
	}
}

// Publish fans evt out to the sprint's sessions without blocking. A session
// whose queue is full is disconnected with SessionOverflow.
func (h *Hub) Publish(evt domain.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.rooms[evt.SprintID] {
		err := s.deliver(evt)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrSessionOverflow) {
			h.logger.Warn("session overflow", "session_id", s.ID, "user_id", s.UserID,
				"sprint_id", evt.SprintID, "sequence_number", evt.Sequence)
			h.removeLocked(s)
			go s.close(websocket.ClosePolicyViolation, CloseSessionOverflow)
			continue
		}
		h.logger.Error("encode event", "sequence_number", evt.Sequence, "error", err)
	}
}

// Sessions reports live sessions per subscribed sprint.
func (h *Hub) Sessions() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		out[id] = len(room)
	}
	return out
}

// SessionCount is the number of connected sessions, subscribed or not.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ServeHTTP upgrades an authenticated request and serves the session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor := domain.Actor{}
	if h.Authenticate != nil {
		a, err := h.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		actor = a
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return
	}
	s := newSession(uuid.NewString(), actor, conn, h.opts.QueueSize)
	if !h.register(s) {
		s.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	h.conns.Go(func() { h.serve(r.Context(), s) })
}

func (h *Hub) register(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *Hub) serve(ctx context.Context, s *Session) {
	logger := h.logger.With("session_id", s.ID, "user_id", s.UserID)
	logger.Debug("session connected")
	defer func() {
		h.mu.Lock()
		h.removeLocked(s)
		delete(h.sessions, s)
		h.mu.Unlock()
		s.close(websocket.CloseNormalClosure, "")
		logger.Debug("session closed", "last_delivered_sequence", s.LastDelivered())
	}()

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := s.writeLoop(h.opts.HeartbeatInterval, h.opts.WriteTimeout); err != nil {
			logger.Debug("write failed", "error", err)
		}
		s.close(websocket.CloseNormalClosure, "")
	})
	wg.Go(func() {
		h.readLoop(context.WithoutCancel(ctx), s, logger)
		s.close(websocket.CloseNormalClosure, "")
	})
	wg.Wait()
}

// readLoop handles client control messages. Any inbound frame, including a
// pong, counts as a heartbeat.
func (h *Hub) readLoop(ctx context.Context, s *Session, logger *slog.Logger) {
	_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Debug("read error", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(h.opts.HeartbeatTimeout))

		msg, err := protocol.DecodeClient(data)
		if err != nil {
			s.control(protocol.Error{Type: protocol.TypeError, Code: "bad_request", Message: err.Error()})
			continue
		}
		switch m := msg.(type) {
		case protocol.Heartbeat:
			s.control(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck})
		case protocol.Subscribe:
			h.subscribe(ctx, s, m, logger)
		}
	}
}

type coded interface {
	Code() string
}

func (h *Hub) subscribe(ctx context.Context, s *Session, m protocol.Subscribe, logger *slog.Logger) {
	if current := s.SprintID(); current != "" {
		s.control(protocol.Error{Type: protocol.TypeError, Code: "already_subscribed",
			Message: "session is subscribed to sprint " + current})
		return
	}
	if h.Authorize != nil {
		if err := h.Authorize(ctx, domain.Actor{UserID: s.UserID, Role: s.Role}, m.SprintID); err != nil {
			code := "forbidden"
			var c coded
			if errors.As(err, &c) {
				code = c.Code()
			}
			s.control(protocol.Error{Type: protocol.TypeError, Code: code, Message: err.Error()})
			return
		}
	}

	// Holding the hub lock keeps Publish out until the session is registered
	// with a position consistent with the replay.
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; !ok {
		return
	}
	var (
		last     uint64
		evts     []domain.TaskEvent
		frames   []frame
		replayed int
		resync   bool
	)
	if m.LastDeliveredSequence == nil {
		last = h.log.Last(m.SprintID)
	} else {
		var err error
		evts, last, err = h.log.SinceLast(m.SprintID, *m.LastDeliveredSequence)
		if n := len(evts); n > 0 && evts[n-1].Sequence > last {
			last = evts[n-1].Sequence
		}
		switch {
		case errors.Is(err, events.ErrBufferExhausted):
			f, _ := controlFrame(protocol.ResyncRequired{Type: protocol.TypeResyncRequired, SprintID: m.SprintID, CurrentSequence: last})
			frames = append(frames, f)
			resync = true
			logger.Info("resync required", "sprint_id", m.SprintID, "from", *m.LastDeliveredSequence, "current", last)
		case err != nil:
			s.control(protocol.Error{Type: protocol.TypeError, Code: "internal_error", Message: err.Error()})
			return
		default:
			for _, evt := range evts {
				data, err := protocol.EncodeEvent(evt)
				if err != nil {
					logger.Error("encode replay", "sequence_number", evt.Sequence, "error", err)
					continue
				}
				frames = append(frames, frame{data: data, seq: evt.Sequence})
			}
			replayed = len(evts)
		}
	}
	ack, _ := controlFrame(protocol.Subscribed{Type: protocol.TypeSubscribed, SprintID: m.SprintID, CurrentSequence: last, Replayed: replayed})
	if resync {
		frames = append(frames, ack)
	} else {
		frames = append([]frame{ack}, frames...)
	}
	s.start(m.SprintID, last, frames)

	room, ok := h.rooms[m.SprintID]
	if !ok {
		room = make(map[*Session]struct{})
		h.rooms[m.SprintID] = room
	}
	room[s] = struct{}{}
	logger.Debug("subscribed", "sprint_id", m.SprintID, "current_sequence", last, "replayed", replayed)
}

func (h *Hub) removeLocked(s *Session) {
	id := s.SprintID()
	if room, ok := h.rooms[id]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

// Close disconnects every session and waits for their handlers to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	h.conns.Wait()
}

func controlFrame(msg any) (frame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return frame{}, err
	}
	return frame{data: data}, nil
}
