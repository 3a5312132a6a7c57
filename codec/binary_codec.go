package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"mesh-rpc/message"
	"mesh-rpc/rpcerr"
)

var (
	errBinaryTarget = errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	errShortBody    = errors.New("BinaryCodec: body too short")
	errTrailing     = errors.New("BinaryCodec: trailing bytes after message")
	errTooLong      = errors.New("BinaryCodec: field exceeds 65535 entries")
)

// BinaryCodec is a fixed layout codec.
//
// Request:  svcLen(2) svc opLen(2) op argc(2) argc*float64(8)
// Response: kind(1) result float64(8) errLen(2) err
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		if len(msg.Service) > math.MaxUint16 || len(msg.Operation) > math.MaxUint16 || len(msg.Args) > math.MaxUint16 {
			return nil, errTooLong
		}
		total := 2 + len(msg.Service) + 2 + len(msg.Operation) + 2 + 8*len(msg.Args)
		buf := make([]byte, 0, total)
		buf = appendString(buf, msg.Service)
		buf = appendString(buf, msg.Operation)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Args)))
		for _, arg := range msg.Args {
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(arg))
		}
		return buf, nil
	case *message.Response:
		if len(msg.Error) > math.MaxUint16 {
			return nil, errTooLong
		}
		buf := make([]byte, 0, 1+8+2+len(msg.Error))
		buf = append(buf, byte(msg.Kind))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(msg.Result))
		buf = appendString(buf, msg.Error)
		return buf, nil
	}
	return nil, errBinaryTarget
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := reader{data: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.Service = r.str()
		msg.Operation = r.str()
		argc := int(r.u16())
		if r.err == nil && len(r.data) < 8*argc {
			return errShortBody
		}
		msg.Args = make([]float64, argc)
		for i := range msg.Args {
			msg.Args[i] = math.Float64frombits(r.u64())
		}
		return r.finish()
	case *message.Response:
		msg.Kind = rpcerr.Kind(r.u8())
		msg.Result = math.Float64frombits(r.u64())
		msg.Error = r.str()
		return r.finish()
	}
	return errBinaryTarget
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// appendString writes a length-prefixed string. Callers check len(s) fits in 16 bits.
func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader consumes data front to back and remembers the first short read.
type reader struct {
	data []byte
	err  error
}

// finish reports the first short read, or leftover bytes once the message is complete.
func (r *reader) finish() error {
	if r.err == nil && len(r.data) > 0 {
		return errTrailing
	}
	return r.err
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = errShortBody
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str() string {
	n := int(r.u16())
	return string(r.take(n))
}
