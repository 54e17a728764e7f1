package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// RawTransport speaks the flat protocol: every wire message is a plain JSON
// object with an `event_type`. Rooms are emulated client-side, so join and
// leave are ordinary messages (`join:<room>` / `leave:<room>`) and the
// server answers with ordinary `room_joined` / `room_left` messages.
type RawTransport struct {
	*wsTransport
}

func NewRawTransport(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *TransportSettings,
) *RawTransport {
	return &RawTransport{
		wsTransport: newWsTransport(ctx, url, auth, &flatCodec{}, "tr", settings),
	}
}

type flatMessage struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

type flatCodec struct {
}

func (self *flatCodec) EncodeAuth(auth *ClientAuth) ([]byte, error) {
	return json.Marshal(&flatMessage{
		EventType: "auth",
		Data: map[string]any{
			"by_jwt":      auth.ByJwt,
			"instance_id": auth.InstanceId.String(),
			"app_version": auth.AppVersion,
		},
	})
}

func (self *flatCodec) EncodeJoin(room string, params map[string]any) ([]byte, error) {
	address, err := ParseRoom(room)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	for key, value := range params {
		data[key] = value
	}
	if address.Kind == RoomKindParameterized {
		data["id"] = address.Param
	}
	return json.Marshal(&flatMessage{
		EventType: fmt.Sprintf("join:%s", address.Name),
		Data:      data,
	})
}

func (self *flatCodec) EncodeLeave(room string) ([]byte, error) {
	address, err := ParseRoom(room)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	if address.Kind == RoomKindParameterized {
		data["id"] = address.Param
	}
	return json.Marshal(&flatMessage{
		EventType: fmt.Sprintf("leave:%s", address.Name),
		Data:      data,
	})
}

func (self *flatCodec) EncodeOperation(name string, payload map[string]any, clientOpId string) ([]byte, error) {
	data := map[string]any{
		"payload":      payload,
		"client_op_id": clientOpId,
	}
	return json.Marshal(&flatMessage{
		EventType: name,
		Data:      data,
	})
}

func (self *flatCodec) EncodeSync(lastSeq uint64, perChannelSeqs map[string]uint64) ([]byte, error) {
	data := map[string]any{
		"last_global_seq": lastSeq,
	}
	if 0 < len(perChannelSeqs) {
		data["last_channel_seqs"] = perChannelSeqs
	}
	return json.Marshal(&flatMessage{
		EventType: "sync:request",
		Data:      data,
	})
}

func (self *flatCodec) EncodePing() ([]byte, error) {
	return json.Marshal(&flatMessage{
		EventType: "ping",
	})
}

func (self *flatCodec) Decode(b []byte) (*InboundMessage, error) {
	// the flat protocol's pong is an ordinary message
	envelope := &EventEnvelope{}
	if err := json.Unmarshal(b, envelope); err != nil {
		return nil, err
	}
	if envelope.EventType == "pong" || envelope.EventType == "ping" {
		return nil, nil
	}
	return DecodeFlatMessage(b)
}
