package sprintboardsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamEvent is one pushed task event. Fields absent from a given event type
// are left empty.
type StreamEvent struct {
	Type            string    `json:"type"`
	TaskID          string    `json:"task_id"`
	StoryID         string    `json:"story_id"`
	OwnerUserID     string    `json:"owner_user_id,omitempty"`
	OldStatus       string    `json:"old_status,omitempty"`
	NewStatus       string    `json:"new_status,omitempty"`
	ChangedByUserID string    `json:"changed_by_user_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	SequenceNumber  uint64    `json:"sequence_number"`
}

// StreamHandler receives stream callbacks; nil funcs are skipped. Callbacks
// run on the stream goroutine, one at a time, in sequence order.
type StreamHandler struct {
	OnEvent      func(StreamEvent)
	OnSubscribed func(currentSequence uint64, replayed int)
	// OnResync reports that events after the last delivered position are no
	// longer retained. The caller should reload the board with Snapshot; the
	// stream continues from currentSequence.
	OnResync func(currentSequence uint64)
}

// StreamError is a fatal error frame sent by the server.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string { return fmt.Sprintf("stream error %s: %s", e.Code, e.Message) }

// Stream follows one sprint over the push channel, reconnecting with backoff
// and resuming after the last delivered sequence.
type Stream struct {
	client   *Client
	sprintID string

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// IdleTimeout drops a connection that has seen no frame or ping for this long.
	IdleTimeout time.Duration
	Dialer      *websocket.Dialer

	mu      sync.Mutex
	last    uint64
	hasLast bool
}

// Stream returns a follower for sprintID. from is the last sequence already
// applied by the caller, nil to start at the live position.
func (c *Client) Stream(sprintID string, from *uint64) *Stream {
	s := &Stream{
		client:      c,
		sprintID:    sprintID,
		MinBackoff:  250 * time.Millisecond,
		MaxBackoff:  15 * time.Second,
		IdleTimeout: 60 * time.Second,
		Dialer:      websocket.DefaultDialer,
	}
	if from != nil {
		s.last, s.hasLast = *from, true
	}
	return s
}

// LastDelivered is the highest sequence handed to OnEvent or acknowledged by a resync.
func (s *Stream) LastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run follows the stream until ctx ends or the server rejects the subscription.
func (s *Stream) Run(ctx context.Context, h StreamHandler) error {
	backoff := s.MinBackoff
	for {
		subscribed, err := s.once(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		var se *StreamError
		if errors.As(err, &se) {
			return err
		}
		if subscribed {
			backoff = s.MinBackoff
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.MaxBackoff {
			backoff = s.MaxBackoff
		}
	}
}

func (s *Stream) streamURL() (string, error) {
	u, err := url.Parse(s.client.base() + "/v0/stream")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if s.client.BearerToken != "" {
		q := u.Query()
		q.Set("access_token", s.client.BearerToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// once runs a single connection; subscribed reports whether the server acknowledged it.
func (s *Stream) once(ctx context.Context, h StreamHandler) (subscribed bool, err error) {
	target, err := s.streamURL()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	if s.client.BearerToken == "" && s.client.APIKey != "" {
		header.Set("X-Api-Key", s.client.APIKey)
	}
	conn, resp, err := s.Dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, &StreamError{Code: "unauthorized", Message: "stream authentication rejected"}
		}
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	sub := map[string]any{"type": "Subscribe", "sprint_id": s.sprintID}
	s.mu.Lock()
	if s.hasLast {
		sub["last_delivered_sequence"] = s.last
	}
	s.mu.Unlock()
	if err := conn.WriteJSON(sub); err != nil {
		return false, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return subscribed, err
		}
		extend()
		var head struct {
			Type            string `json:"type"`
			Code            string `json:"code"`
			Message         string `json:"message"`
			CurrentSequence uint64 `json:"current_sequence"`
			Replayed        int    `json:"replayed"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			return subscribed, fmt.Errorf("decode frame: %w", err)
		}
		switch head.Type {
		case "Subscribed":
			subscribed = true
			s.mu.Lock()
			if !s.hasLast {
				s.last, s.hasLast = head.CurrentSequence, true
			}
			s.mu.Unlock()
			if h.OnSubscribed != nil {
				h.OnSubscribed(head.CurrentSequence, head.Replayed)
			}
		case "ResyncRequired":
			if h.OnResync != nil {
				h.OnResync(head.CurrentSequence)
			}
			s.mu.Lock()
			s.last, s.hasLast = head.CurrentSequence, true
			s.mu.Unlock()
		case "HeartbeatAck":
		case "Error":
			if strings.EqualFold(head.Code, "already_subscribed") {
				continue
			}
			return subscribed, &StreamError{Code: head.Code, Message: head.Message}
		case "OwnershipTaken", "OwnershipReleased", "StatusChanged":
			var evt StreamEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				return subscribed, fmt.Errorf("decode event: %w", err)
			}
			s.mu.Lock()
			dup := s.hasLast && evt.SequenceNumber <= s.last
			if !dup {
				s.last, s.hasLast = evt.SequenceNumber, true
			}
			s.mu.Unlock()
			if !dup && h.OnEvent != nil {
				h.OnEvent(evt)
			}
		}
	}
}
