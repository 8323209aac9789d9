package protos

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every ONNX message in this package.
type Message interface {
	appendTo(b []byte) []byte
	unmarshal(b []byte) error
}

// Marshal serializes m in the protobuf wire format.
func Marshal(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("protos.Marshal: nil message")
	}
	return m.appendTo(nil), nil
}

// Unmarshal parses b into m, which must be a non-nil pointer to one of the ONNX messages.
func Unmarshal(b []byte, m Message) error {
	if m == nil {
		return errors.New("protos.Unmarshal: nil message")
	}
	return m.unmarshal(b)
}

// encoder appends fields to a buffer. Zero scalars and empty repeated fields are omitted, as proto3 does.
type encoder struct {
	b []byte
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) int64(num protowire.Number, v int64) {
	e.varint(num, uint64(v))
}

func (e *encoder) float32(num protowire.Number, v float32) {
	if v == 0 {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.Fixed32Type)
	e.b = protowire.AppendFixed32(e.b, math.Float32bits(v))
}

func (e *encoder) string(num protowire.Number, s string) {
	if s == "" {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendString(e.b, s)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if v == nil {
		return
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

func (e *encoder) repeatedBytes(num protowire.Number, values [][]byte) {
	for _, v := range values {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendBytes(e.b, v)
	}
}

func (e *encoder) repeatedString(num protowire.Number, values []string) {
	for _, v := range values {
		e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
		e.b = protowire.AppendString(e.b, v)
	}
}

// message always writes m when non-nil, even if empty, so presence survives a round trip.
func (e *encoder) message(num protowire.Number, m Message) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, m.appendTo(nil))
}

func packedVarints[T int32 | int64 | uint64](e *encoder, num protowire.Number, values []T) {
	if len(values) == 0 {
		return
	}
	var inner []byte
	for _, v := range values {
		inner = protowire.AppendVarint(inner, uint64(v))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner)
}

func (e *encoder) packedFloat32(num protowire.Number, values []float32) {
	if len(values) == 0 {
		return
	}
	inner := make([]byte, 0, 4*len(values))
	for _, v := range values {
		inner = protowire.AppendFixed32(inner, math.Float32bits(v))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner)
}

func (e *encoder) packedFloat64(num protowire.Number, values []float64) {
	if len(values) == 0 {
		return
	}
	inner := make([]byte, 0, 8*len(values))
	for _, v := range values {
		inner = protowire.AppendFixed64(inner, math.Float64bits(v))
	}
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, inner)
}

// decoder walks the fields of one message. After next() returns true, exactly one of the
// value methods (or skip) must be called. The first error stops the iteration and is kept in err.
type decoder struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

func (d *decoder) next() bool {
	if d.err != nil || len(d.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(d.b)
	if n < 0 {
		d.err = protowire.ParseError(n)
		return false
	}
	d.num, d.typ, d.b = num, typ, d.b[n:]
	return true
}

func (d *decoder) consumed(n int) {
	if n < 0 {
		d.err = errors.Wrapf(protowire.ParseError(n), "field %d", d.num)
		d.b = nil
		return
	}
	d.b = d.b[n:]
}

func (d *decoder) expect(typ protowire.Type) bool {
	if d.typ != typ {
		d.err = errors.Errorf("field %d: wire type %d, expected %d", d.num, d.typ, typ)
		d.b = nil
		return false
	}
	return true
}

func (d *decoder) skip() {
	d.consumed(protowire.ConsumeFieldValue(d.num, d.typ, d.b))
}

func (d *decoder) varint() uint64 {
	if !d.expect(protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.b)
	d.consumed(n)
	return v
}

func (d *decoder) float32() float32 {
	if !d.expect(protowire.Fixed32Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed32(d.b)
	d.consumed(n)
	return math.Float32frombits(v)
}

func (d *decoder) bytes() []byte {
	if !d.expect(protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.b)
	d.consumed(n)
	if v == nil {
		// Keep "present but empty" distinguishable from "absent".
		v = []byte{}
	}
	return v
}

func (d *decoder) string() string {
	return string(d.bytes())
}

// message decodes an embedded message into m.
func (d *decoder) message(m Message) {
	data := d.bytes()
	if d.err != nil {
		return
	}
	if err := m.unmarshal(data); err != nil {
		d.err = errors.WithMessagef(err, "field %d", d.num)
	}
}

// appendVarints accepts both the packed and the unpacked encodings.
func appendVarints[T int32 | int64 | uint64](d *decoder, dst []T) []T {
	if d.typ == protowire.VarintType {
		return append(dst, T(d.varint()))
	}
	data := d.bytes()
	for len(data) > 0 && d.err == nil {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			d.err = errors.Wrapf(protowire.ParseError(n), "packed field %d", d.num)
			return dst
		}
		dst = append(dst, T(v))
		data = data[n:]
	}
	return dst
}

func (d *decoder) appendFloat32s(dst []float32) []float32 {
	if d.typ == protowire.Fixed32Type {
		return append(dst, d.float32())
	}
	data := d.bytes()
	for len(data) > 0 && d.err == nil {
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			d.err = errors.Wrapf(protowire.ParseError(n), "packed field %d", d.num)
			return dst
		}
		dst = append(dst, math.Float32frombits(v))
		data = data[n:]
	}
	return dst
}

func (d *decoder) appendFloat64s(dst []float64) []float64 {
	if d.typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(d.b)
		d.consumed(n)
		return append(dst, math.Float64frombits(v))
	}
	data := d.bytes()
	for len(data) > 0 && d.err == nil {
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			d.err = errors.Wrapf(protowire.ParseError(n), "packed field %d", d.num)
			return dst
		}
		dst = append(dst, math.Float64frombits(v))
		data = data[n:]
	}
	return dst
}

func appendOneofVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
