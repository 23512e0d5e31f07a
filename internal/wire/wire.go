// Package wire frames values stored through byte providers.
//
// Entry: magic(4) | ver(1) | kind(1=entry) | expiresAt(i64 be, unix nanos, 0 => none) | vlen(u32 be) | payload(vlen)
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1

	headerLen = 4 + 1 + 1 + 8 + 4
)

var (
	ErrCorrupt = errors.New("polycache: corrupt entry")
	magic4     = [...]byte{'P', 'L', 'Y', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// EncodeEntry frames payload with its absolute expiry. A zero expiresAt
// means the entry never expires.
func EncodeEntry(expiresAt time.Time, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(headerLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(exp))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeEntry parses a frame. Trailing bytes are rejected. The returned
// payload aliases b.
func DecodeEntry(b []byte) (expiresAt time.Time, payload []byte, err error) {
	if len(b) < headerLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return time.Time{}, nil, ErrCorrupt
	}
	off := 6

	exp := int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	if exp < 0 {
		return time.Time{}, nil, ErrCorrupt
	}

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off {
		return time.Time{}, nil, ErrCorrupt
	}

	if exp != 0 {
		expiresAt = time.Unix(0, exp)
	}
	return expiresAt, b[off:], nil
}

// Remaining returns the time left before expiresAt, or -1 when the entry
// never expires.
func Remaining(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return -1
	}
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
