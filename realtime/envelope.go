package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventEnvelope is the normalized inbound message shape both transports
// produce. `ServerSeq` is a strictly increasing global ordering key.
type EventEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	ServerSeq uint64          `json:"server_seq"`
	Timestamp float64         `json:"timestamp"`
}

// ConnectionStatusMessage is sent by the server once per new connection.
// Receiving it is what moves the client from connected to ready.
type ConnectionStatusMessage struct {
	Status     string  `json:"status"`
	Sid        string  `json:"sid"`
	ServerSeq  uint64  `json:"server_seq"`
	ServerTime float64 `json:"server_time"`
}

type RoomAckAction string

const (
	RoomAckJoin  RoomAckAction = "join"
	RoomAckLeave RoomAckAction = "leave"
)

type RoomAck struct {
	Room    string        `json:"room"`
	Action  RoomAckAction `json:"action,omitempty"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
}

type OperationAck struct {
	ClientOpId string `json:"client_op_id"`
	Success    bool   `json:"success"`
	ServerSeq  uint64 `json:"server_seq,omitempty"`
	Message    string `json:"message,omitempty"`
}

// InboundMessage is a tagged union. Exactly one field is non-nil.
type InboundMessage struct {
	Envelope     *EventEnvelope
	Status       *ConnectionStatusMessage
	RoomAck      *RoomAck
	OperationAck *OperationAck
}

const (
	eventTypeConnectionStatus = "connection_status"
	eventTypeRoomJoined       = "room_joined"
	eventTypeRoomLeft         = "room_left"
	eventTypeOperationAck     = "op_ack"
)

// DecodeFlatMessage decodes the raw transport's flat JSON protocol, where
// acks and status ride as ordinary messages distinguished by event type.
func DecodeFlatMessage(b []byte) (*InboundMessage, error) {
	envelope := &EventEnvelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.EventType == "" {
		return nil, fmt.Errorf("message missing event_type")
	}

	switch envelope.EventType {
	case eventTypeConnectionStatus:
		status := &ConnectionStatusMessage{}
		if err := json.Unmarshal(envelope.Data, status); err != nil {
			return nil, err
		}
		return &InboundMessage{Status: status}, nil
	case eventTypeRoomJoined, eventTypeRoomLeft:
		roomAck := &RoomAck{}
		if err := json.Unmarshal(envelope.Data, roomAck); err != nil {
			return nil, err
		}
		if roomAck.Room == "" {
			return nil, fmt.Errorf("room ack missing room")
		}
		if envelope.EventType == eventTypeRoomJoined {
			roomAck.Action = RoomAckJoin
		} else {
			roomAck.Action = RoomAckLeave
		}
		return &InboundMessage{RoomAck: roomAck}, nil
	case eventTypeOperationAck:
		operationAck := &OperationAck{}
		if err := json.Unmarshal(envelope.Data, operationAck); err != nil {
			return nil, err
		}
		if operationAck.ClientOpId == "" {
			return nil, fmt.Errorf("operation ack missing client_op_id")
		}
		return &InboundMessage{OperationAck: operationAck}, nil
	default:
		return &InboundMessage{Envelope: envelope}, nil
	}
}

type channelFrame struct {
	Kind       string          `json:"kind"`
	Event      *EventEnvelope  `json:"event,omitempty"`
	Status     json.RawMessage `json:"status,omitempty"`
	Room       string          `json:"room,omitempty"`
	Action     string          `json:"action,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ClientOpId string          `json:"client_op_id,omitempty"`
	ServerSeq  uint64          `json:"server_seq,omitempty"`
	Message    string          `json:"message,omitempty"`
}

const (
	frameKindEvent   = "event"
	frameKindStatus  = "status"
	frameKindJoin    = "join"
	frameKindLeave   = "leave"
	frameKindRoomAck = "room_ack"
	frameKindOp      = "op"
	frameKindOpAck   = "op_ack"
	frameKindSync    = "sync"
	frameKindPing    = "ping"
)

// DecodeChannelFrame decodes the framed multiplexed protocol, where every
// wire message is a kind-tagged frame.
func DecodeChannelFrame(b []byte) (*InboundMessage, error) {
	frame := &channelFrame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}

	switch frame.Kind {
	case frameKindEvent:
		if frame.Event == nil || frame.Event.EventType == "" {
			return nil, fmt.Errorf("event frame missing event")
		}
		return &InboundMessage{Envelope: frame.Event}, nil
	case frameKindStatus:
		status := &ConnectionStatusMessage{}
		if err := json.Unmarshal(frame.Status, status); err != nil {
			return nil, err
		}
		return &InboundMessage{Status: status}, nil
	case frameKindRoomAck:
		if frame.Room == "" {
			return nil, fmt.Errorf("room ack frame missing room")
		}
		success := frame.Success != nil && *frame.Success
		return &InboundMessage{
			RoomAck: &RoomAck{
				Room:    frame.Room,
				Action:  RoomAckAction(frame.Action),
				Success: success,
				Error:   frame.Error,
			},
		}, nil
	case frameKindOpAck:
		if frame.ClientOpId == "" {
			return nil, fmt.Errorf("op ack frame missing client_op_id")
		}
		success := frame.Success != nil && *frame.Success
		return &InboundMessage{
			OperationAck: &OperationAck{
				ClientOpId: frame.ClientOpId,
				Success:    success,
				ServerSeq:  frame.ServerSeq,
				Message:    frame.Message,
			},
		}, nil
	case frameKindPing:
		// keepalive echo, nothing to surface
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown frame kind: %s", frame.Kind)
	}
}

type RoomKind int

const (
	// RoomKindGlobal is the unparameterized collection room.
	RoomKindGlobal RoomKind = iota
	// RoomKindParameterized addresses one sub-resource, `kind:id`.
	RoomKindParameterized
	// RoomKindNamed is one of a small fixed set of feature rooms.
	RoomKindNamed
)

// RoomAddress is the parsed form of a room name.
type RoomAddress struct {
	Kind RoomKind
	Name string
	// Param is the id portion of a parameterized room
	Param string
}

const GlobalRoom = "playlists"

var namedRooms = map[string]bool{
	"nfc":     true,
	"system":  true,
	"uploads": true,
}

func ParseRoom(room string) (RoomAddress, error) {
	if room == "" {
		return RoomAddress{}, fmt.Errorf("empty room name")
	}
	if room == GlobalRoom {
		return RoomAddress{
			Kind: RoomKindGlobal,
			Name: room,
		}, nil
	}
	if name, param, ok := strings.Cut(room, ":"); ok {
		if name == "" || param == "" {
			return RoomAddress{}, fmt.Errorf("malformed room name: %s", room)
		}
		return RoomAddress{
			Kind:  RoomKindParameterized,
			Name:  name,
			Param: param,
		}, nil
	}
	if namedRooms[room] {
		return RoomAddress{
			Kind: RoomKindNamed,
			Name: room,
		}, nil
	}
	return RoomAddress{}, fmt.Errorf("unknown room: %s", room)
}
