package realtime

import (
	"context"
	"encoding/json"
)

// ChannelTransport speaks the framed multiplexed protocol: every wire
// message is a kind-tagged frame, rooms are protocol-native, and the server
// acks join/leave/op frames with dedicated ack frames.
type ChannelTransport struct {
	*wsTransport
}

func NewChannelTransport(
	ctx context.Context,
	url string,
	auth *ClientAuth,
	settings *TransportSettings,
) *ChannelTransport {
	return &ChannelTransport{
		wsTransport: newWsTransport(ctx, url, auth, &channelCodec{}, "tc", settings),
	}
}

type channelAuthFrame struct {
	Kind       string `json:"kind"`
	ByJwt      string `json:"by_jwt"`
	InstanceId string `json:"instance_id"`
	AppVersion string `json:"app_version"`
}

type channelCodec struct {
}

func (self *channelCodec) EncodeAuth(auth *ClientAuth) ([]byte, error) {
	return json.Marshal(&channelAuthFrame{
		Kind:       "auth",
		ByJwt:      auth.ByJwt,
		InstanceId: auth.InstanceId.String(),
		AppVersion: auth.AppVersion,
	})
}

func (self *channelCodec) EncodeJoin(room string, params map[string]any) ([]byte, error) {
	frame := &channelFrame{
		Kind: frameKindJoin,
		Room: room,
	}
	if params != nil {
		paramsBytes, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		frame.Params = paramsBytes
	}
	return json.Marshal(frame)
}

func (self *channelCodec) EncodeLeave(room string) ([]byte, error) {
	return json.Marshal(&channelFrame{
		Kind: frameKindLeave,
		Room: room,
	})
}

func (self *channelCodec) EncodeOperation(name string, payload map[string]any, clientOpId string) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&channelFrame{
		Kind:       frameKindOp,
		Name:       name,
		Payload:    payloadBytes,
		ClientOpId: clientOpId,
	})
}

func (self *channelCodec) EncodeSync(lastSeq uint64, perChannelSeqs map[string]uint64) ([]byte, error) {
	payload := map[string]any{
		"last_global_seq": lastSeq,
	}
	if 0 < len(perChannelSeqs) {
		payload["last_channel_seqs"] = perChannelSeqs
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&channelFrame{
		Kind:    frameKindSync,
		Payload: payloadBytes,
	})
}

func (self *channelCodec) EncodePing() ([]byte, error) {
	return json.Marshal(&channelFrame{
		Kind: frameKindPing,
	})
}

func (self *channelCodec) Decode(b []byte) (*InboundMessage, error) {
	return DecodeChannelFrame(b)
}
