// Package rpc defines the gRPC surface of the range bar service.
//
// Messages are plain Go structs carried by a JSON codec registered under the
// "json" content-subtype, so the service needs no generated protobuf code.
// Clients select the codec with grpc.CallContentSubtype(CodecName), which
// NewRangeBarServiceClient does on every call.
package rpc

import (
	json "github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of the JSON codec ("application/grpc+json").
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals gRPC messages with goccy/go-json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}
