package pagestore

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype the page store speaks.
const codecName = "msgpack"

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

// msgpackCodec carries page store messages as msgpack instead of protobuf.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode %T: %w", v, err)
	}
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return fmt.Errorf("msgpack decode %T: %w", v, err)
	}
	return nil
}

func (msgpackCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
