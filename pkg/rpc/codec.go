package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec lets grpc-go carry plain Go structs (envelope.Envelope,
// manager.Result, ...) instead of requiring generated protobuf message
// types. Registered by name so both client (via grpc.CallContentSubtype)
// and server select it per the standard grpc content-subtype negotiation.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
