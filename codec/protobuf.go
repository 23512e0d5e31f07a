package codec

import "google.golang.org/protobuf/proto"

// Protobuf encodes proto messages. ctor allocates the message Decode fills,
// e.g. func() *userpb.User { return new(userpb.User) }.
type Protobuf[T proto.Message] struct {
	ctor func() T
	opts proto.MarshalOptions
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{ctor: ctor}
}

// NewDeterministicProtobuf sorts map entries so equal messages encode to
// equal bytes.
func NewDeterministicProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{ctor: ctor, opts: proto.MarshalOptions{Deterministic: true}}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) { return c.opts.Marshal(v) }

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.ctor()
	err := proto.Unmarshal(b, m)
	return m, err
}
