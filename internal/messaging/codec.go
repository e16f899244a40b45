package messaging

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec turns event messages into Kafka payloads
type Codec interface {
	Name() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// NewCodec returns the codec for an EVENT_ENCODING value
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return jsonCodec{}, nil
	case "proto":
		return protoCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown event encoding %q", name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// protoCodec carries messages as a google.protobuf.Struct built from their
// JSON field names, so consumers in other languages need no generated code.
type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("message must encode as an object: %w", err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (protoCodec) Decode(data []byte, v any) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
