package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

const (
	ProtoName        = "proto"
	ProtoContentType = "application/x-protobuf"
)

// ErrNotProtoMessage is returned when the proto codec is handed a value that
// does not implement proto.Message.
var ErrNotProtoMessage = errors.New("burrow: value is not a proto.Message")

// Proto encodes payloads with the protobuf binary wire format.
type Proto struct{}

func (Proto) Name() string        { return ProtoName }
func (Proto) ContentType() string { return ProtoContentType }

func (Proto) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return msg, nil
	case proto.Message:
		return proto.Marshal(msg)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
}

func (Proto) Decode(data []byte, v any) error {
	switch target := v.(type) {
	case *[]byte:
		*target = append((*target)[:0], data...)
		return nil
	case proto.Message:
		return proto.Unmarshal(data, target)
	default:
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
}
