// Package protocol defines the JSON messages exchanged on the push channel.
// Every message is a flat object tagged by its "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sprintboard/internal/domain"
)

// Server -> client types besides the three event types.
const (
	TypeSubscribed     = "Subscribed"
	TypeResyncRequired = "ResyncRequired"
	TypeHeartbeatAck   = "HeartbeatAck"
	TypeError          = "Error"
)

// Client -> server types.
const (
	TypeSubscribe = "Subscribe"
	TypeHeartbeat = "Heartbeat"
)

type OwnershipTaken struct {
	Type           string    `json:"type"`
	TaskID         string    `json:"task_id"`
	StoryID        string    `json:"story_id"`
	OwnerUserID    string    `json:"owner_user_id"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber uint64    `json:"sequence_number"`
}

type OwnershipReleased struct {
	Type           string    `json:"type"`
	TaskID         string    `json:"task_id"`
	StoryID        string    `json:"story_id"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber uint64    `json:"sequence_number"`
}

type StatusChanged struct {
	Type            string            `json:"type"`
	TaskID          string            `json:"task_id"`
	StoryID         string            `json:"story_id"`
	OldStatus       domain.TaskStatus `json:"old_status"`
	NewStatus       domain.TaskStatus `json:"new_status"`
	ChangedByUserID string            `json:"changed_by_user_id"`
	Timestamp       time.Time         `json:"timestamp"`
	SequenceNumber  uint64            `json:"sequence_number"`
}

type Subscribed struct {
	Type            string `json:"type"`
	SprintID        string `json:"sprint_id"`
	CurrentSequence uint64 `json:"current_sequence"`
	Replayed        int    `json:"replayed"`
}

type ResyncRequired struct {
	Type            string `json:"type"`
	SprintID        string `json:"sprint_id"`
	CurrentSequence uint64 `json:"current_sequence"`
}

type HeartbeatAck struct {
	Type string `json:"type"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload maps a task event onto its wire shape. The switch is exhaustive
// over domain.EventType.
func EventPayload(evt domain.TaskEvent) (any, error) {
	switch evt.Type {
	case domain.EventOwnershipTaken:
		return OwnershipTaken{
			Type:           string(evt.Type),
			TaskID:         evt.TaskID,
			StoryID:        evt.StoryID,
			OwnerUserID:    evt.OwnerUserID,
			Timestamp:      evt.Timestamp,
			SequenceNumber: evt.Sequence,
		}, nil
	case domain.EventOwnershipReleased:
		return OwnershipReleased{
			Type:           string(evt.Type),
			TaskID:         evt.TaskID,
			StoryID:        evt.StoryID,
			Timestamp:      evt.Timestamp,
			SequenceNumber: evt.Sequence,
		}, nil
	case domain.EventStatusChanged:
		return StatusChanged{
			Type:            string(evt.Type),
			TaskID:          evt.TaskID,
			StoryID:         evt.StoryID,
			OldStatus:       evt.OldStatus,
			NewStatus:       evt.NewStatus,
			ChangedByUserID: evt.ActorUserID,
			Timestamp:       evt.Timestamp,
			SequenceNumber:  evt.Sequence,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", evt.Type)
	}
}

// EncodeEvent marshals a task event into its wire payload.
func EncodeEvent(evt domain.TaskEvent) ([]byte, error) {
	p, err := EventPayload(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// ClientMessage is the closed set of messages a client may send.
type ClientMessage interface {
	clientMessage()
}

type Subscribe struct {
	SprintID              string  `json:"sprint_id"`
	LastDeliveredSequence *uint64 `json:"last_delivered_sequence,omitempty"`
}

type Heartbeat struct{}

func (Subscribe) clientMessage() {}
func (Heartbeat) clientMessage() {}

var ErrUnknownMessage = errors.New("unknown message type")

// DecodeClient parses one client frame.
func DecodeClient(data []byte) (ClientMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	switch head.Type {
	case TypeSubscribe:
		var s Subscribe
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("invalid subscribe: %w", err)
		}
		if s.SprintID == "" {
			return nil, errors.New("subscribe requires sprint_id")
		}
		return s, nil
	case TypeHeartbeat:
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMessage, head.Type)
	}
}

// EncodeClient marshals a client message with its type tag.
func EncodeClient(m ClientMessage) ([]byte, error) {
	switch msg := m.(type) {
	case Subscribe:
		return json.Marshal(struct {
			Type string `json:"type"`
			Subscribe
		}{TypeSubscribe, msg})
	case Heartbeat:
		return json.Marshal(struct {
			Type string `json:"type"`
		}{TypeHeartbeat})
	default:
		return nil, fmt.Errorf("unknown client message %T", m)
	}
}

// ServerMessage is a decoded server frame: either a task event or a control message.
type ServerMessage struct {
	Type  string
	Event *domain.TaskEvent
	Raw   json.RawMessage
}

// DecodeServer parses one server frame. For event frames Event is populated
// with the fields present on the wire; SprintID is left empty.
func DecodeServer(data []byte) (ServerMessage, error) {
	var wire struct {
		Type            string            `json:"type"`
		TaskID          string            `json:"task_id"`
		StoryID         string            `json:"story_id"`
		OwnerUserID     string            `json:"owner_user_id"`
		OldStatus       domain.TaskStatus `json:"old_status"`
		NewStatus       domain.TaskStatus `json:"new_status"`
		ChangedByUserID string            `json:"changed_by_user_id"`
		Timestamp       time.Time         `json:"timestamp"`
		SequenceNumber  uint64            `json:"sequence_number"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return ServerMessage{}, fmt.Errorf("invalid server message: %w", err)
	}
	msg := ServerMessage{Type: wire.Type, Raw: json.RawMessage(data)}
	if domain.EventType(wire.Type).Valid() {
		msg.Event = &domain.TaskEvent{
			Sequence:    wire.SequenceNumber,
			TaskID:      wire.TaskID,
			StoryID:     wire.StoryID,
			Type:        domain.EventType(wire.Type),
			ActorUserID: wire.ChangedByUserID,
			OwnerUserID: wire.OwnerUserID,
			OldStatus:   wire.OldStatus,
			NewStatus:   wire.NewStatus,
			Timestamp:   wire.Timestamp,
		}
	}
	return msg, nil
}
