package codec

import "fmt"

// Limit guards Decode against oversized payloads, e.g. from a shared Redis
// other writers can reach. Encode is forwarded unchanged. MaxDecode <= 0
// disables the check.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

// ErrTooLarge is returned by Limit.Decode.
type ErrTooLarge struct {
	Size, Max int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("codec: payload too large: %d > %d", e.Size, e.Max)
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, &ErrTooLarge{Size: len(b), Max: c.MaxDecode}
	}
	return c.Inner.Decode(b)
}
