// Package rpc implements the out-of-band worker status channel: a
// single-method gRPC poll over a loopback TCP connection. The wire
// payload is JSON, registered as a gRPC codec, so no protobuf code
// generation is involved; the service contract is a hand-registered
// ServiceDesc.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype both sides agree on.
const codecName = "json"

// jsonCodec satisfies grpc/encoding.Codec with plain JSON marshaling.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
