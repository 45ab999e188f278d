package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes the model in the protobuf wire format
func Marshal(model *ModelProto) ([]byte, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	return model.appendTo(nil), nil
}

// Unmarshal decodes a protobuf-encoded ModelProto. Unknown fields are skipped.
func Unmarshal(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := model.unmarshal(data); err != nil {
		return nil, fmt.Errorf("failed to decode ONNX model: %v", err)
	}
	return model, nil
}

// Encoding helpers. Zero values are omitted, matching proto3 presence rules.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, data []byte) []byte {
	if len(data) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendPackedFloats(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	body := make([]byte, 0, 4*len(values))
	for _, v := range values {
		body = protowire.AppendFixed32(body, math.Float32bits(v))
	}
	return appendMessage(b, num, body)
}

func appendPackedInt64s(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var body []byte
	for _, v := range values {
		body = protowire.AppendVarint(body, uint64(v))
	}
	return appendMessage(b, num, body)
}

func (m *ModelProto) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.IrVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, uint64(m.ModelVersion))
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.appendTo(nil))
	}
	for _, opset := range m.OpsetImport {
		b = appendMessage(b, 8, opset.appendTo(nil))
	}
	return b
}

func (o *OperatorSetIdProto) appendTo(b []byte) []byte {
	b = appendString(b, 1, o.Domain)
	return appendVarint(b, 2, uint64(o.Version))
}

func (g *GraphProto) appendTo(b []byte) []byte {
	for _, node := range g.Node {
		b = appendMessage(b, 1, node.appendTo(nil))
	}
	b = appendString(b, 2, g.Name)
	for _, init := range g.Initializer {
		b = appendMessage(b, 5, init.appendTo(nil))
	}
	b = appendString(b, 10, g.DocString)
	for _, in := range g.Input {
		b = appendMessage(b, 11, in.appendTo(nil))
	}
	for _, out := range g.Output {
		b = appendMessage(b, 12, out.appendTo(nil))
	}
	for _, info := range g.ValueInfo {
		b = appendMessage(b, 13, info.appendTo(nil))
	}
	return b
}

func (n *NodeProto) appendTo(b []byte) []byte {
	// Repeated strings keep empty entries: an empty name marks an omitted optional input
	for _, in := range n.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, attr := range n.Attribute {
		b = appendMessage(b, 5, attr.appendTo(nil))
	}
	b = appendString(b, 6, n.DocString)
	return appendString(b, 7, n.Domain)
}

func (a *AttributeProto) appendTo(b []byte) []byte {
	b = appendString(b, 1, a.Name)
	b = appendFloat(b, 2, a.F)
	b = appendVarint(b, 3, uint64(a.I))
	b = appendBytes(b, 4, a.S)
	if a.T != nil {
		b = appendMessage(b, 5, a.T.appendTo(nil))
	}
	// Unpacked, as emitted by the reference implementation
	for _, f := range a.Floats {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	for _, i := range a.Ints {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(i))
	}
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return appendVarint(b, 20, uint64(a.Type))
}

func (t *TensorProto) appendTo(b []byte) []byte {
	b = appendPackedInt64s(b, 1, t.Dims)
	b = appendVarint(b, 2, uint64(t.DataType))
	b = appendPackedFloats(b, 4, t.FloatData)
	b = appendPackedInt64s(b, 7, t.Int64Data)
	b = appendString(b, 8, t.Name)
	return appendBytes(b, 9, t.RawData)
}

func (v *ValueInfoProto) appendTo(b []byte) []byte {
	b = appendString(b, 1, v.Name)
	if v.Type != nil {
		b = appendMessage(b, 2, v.Type.appendTo(nil))
	}
	return appendString(b, 3, v.DocString)
}

func (t *TypeProto) appendTo(b []byte) []byte {
	if t.TensorType == nil {
		return b
	}
	return appendMessage(b, 1, t.TensorType.appendTo(nil))
}

func (t *TypeProtoTensor) appendTo(b []byte) []byte {
	b = appendVarint(b, 1, uint64(t.ElemType))
	if t.Shape != nil {
		b = appendMessage(b, 2, t.Shape.appendTo(nil))
	}
	return b
}

func (s *TensorShapeProto) appendTo(b []byte) []byte {
	for _, dim := range s.Dim {
		b = appendMessage(b, 1, dim.appendTo(nil))
	}
	return b
}

func (d *Dimension) appendTo(b []byte) []byte {
	if d.DimParam != "" {
		return appendString(b, 2, d.DimParam)
	}
	// dim_value is part of a oneof, so an explicit zero is still written
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(d.DimValue))
}

// field is one decoded key/value pair
type field struct {
	num  protowire.Number
	typ  protowire.Type
	v    uint64
	data []byte
}

func (f field) str() string { return string(f.data) }
func (f field) int64() int64 { return int64(f.v) }
func (f field) float32() float32 { return math.Float32frombits(uint32(f.v)) }

func (f field) bytes() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// floats accepts both packed and unpacked encodings
func (f field) floats(dst []float32) ([]float32, error) {
	switch f.typ {
	case protowire.Fixed32Type:
		return append(dst, f.float32()), nil
	case protowire.BytesType:
		if len(f.data)%4 != 0 {
			return nil, fmt.Errorf("field %d: packed float length %d is not a multiple of 4", f.num, len(f.data))
		}
		for i := 0; i < len(f.data); i += 4 {
			dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(f.data[i:])))
		}
		return dst, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for float", f.num, f.typ)
}

// int64s accepts both packed and unpacked encodings
func (f field) int64s(dst []int64) ([]int64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, f.int64()), nil
	case protowire.BytesType:
		data := f.data
		for len(data) > 0 {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dst = append(dst, int64(v))
			data = data[n:]
		}
		return dst, nil
	}
	return nil, fmt.Errorf("field %d: unexpected wire type %d for int64", f.num, f.typ)
}

// walk decodes every field in b and hands it to visit
func walk(b []byte, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func (m *ModelProto) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.IrVersion = f.int64()
		case 2:
			m.ProducerName = f.str()
		case 3:
			m.ProducerVersion = f.str()
		case 4:
			m.Domain = f.str()
		case 5:
			m.ModelVersion = f.int64()
		case 6:
			m.DocString = f.str()
		case 7:
			m.Graph = &GraphProto{}
			return m.Graph.unmarshal(f.data)
		case 8:
			opset := &OperatorSetIdProto{}
			m.OpsetImport = append(m.OpsetImport, opset)
			return walk(f.data, func(f field) error {
				switch f.num {
				case 1:
					opset.Domain = f.str()
				case 2:
					opset.Version = f.int64()
				}
				return nil
			})
		}
		return nil
	})
}

func (g *GraphProto) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			node := &NodeProto{}
			g.Node = append(g.Node, node)
			return node.unmarshal(f.data)
		case 2:
			g.Name = f.str()
		case 5:
			init := &TensorProto{}
			g.Initializer = append(g.Initializer, init)
			return init.unmarshal(f.data)
		case 10:
			g.DocString = f.str()
		case 11, 12, 13:
			info := &ValueInfoProto{}
			switch f.num {
			case 11:
				g.Input = append(g.Input, info)
			case 12:
				g.Output = append(g.Output, info)
			default:
				g.ValueInfo = append(g.ValueInfo, info)
			}
			return info.unmarshal(f.data)
		}
		return nil
	})
}

func (n *NodeProto) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			n.Input = append(n.Input, f.str())
		case 2:
			n.Output = append(n.Output, f.str())
		case 3:
			n.Name = f.str()
		case 4:
			n.OpType = f.str()
		case 5:
			attr := &AttributeProto{}
			n.Attribute = append(n.Attribute, attr)
			return attr.unmarshal(f.data)
		case 6:
			n.DocString = f.str()
		case 7:
			n.Domain = f.str()
		}
		return nil
	})
}

func (a *AttributeProto) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			a.Name = f.str()
		case 2:
			a.F = f.float32()
		case 3:
			a.I = f.int64()
		case 4:
			a.S = f.bytes()
		case 5:
			a.T = &TensorProto{}
			err = a.T.unmarshal(f.data)
		case 7:
			a.Floats, err = f.floats(a.Floats)
		case 8:
			a.Ints, err = f.int64s(a.Ints)
		case 9:
			a.Strings = append(a.Strings, f.bytes())
		case 20:
			a.Type = AttributeType(f.v)
		}
		return err
	})
}

func (t *TensorProto) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			t.Dims, err = f.int64s(t.Dims)
		case 2:
			t.DataType = DataType(f.v)
		case 4:
			t.FloatData, err = f.floats(t.FloatData)
		case 7:
			t.Int64Data, err = f.int64s(t.Int64Data)
		case 8:
			t.Name = f.str()
		case 9:
			t.RawData = f.bytes()
		}
		return err
	})
}

func (v *ValueInfoProto) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			v.Name = f.str()
		case 2:
			v.Type = &TypeProto{}
			return walk(f.data, func(f field) error {
				if f.num != 1 {
					return nil
				}
				v.Type.TensorType = &TypeProtoTensor{}
				return v.Type.TensorType.unmarshal(f.data)
			})
		case 3:
			v.DocString = f.str()
		}
		return nil
	})
}

func (t *TypeProtoTensor) unmarshal(b []byte) error {
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			t.ElemType = DataType(f.v)
		case 2:
			t.Shape = &TensorShapeProto{}
			return walk(f.data, func(f field) error {
				if f.num != 1 {
					return nil
				}
				dim := &Dimension{}
				t.Shape.Dim = append(t.Shape.Dim, dim)
				return walk(f.data, func(f field) error {
					switch f.num {
					case 1:
						dim.DimValue = f.int64()
					case 2:
						dim.DimParam = f.str()
					}
					return nil
				})
			})
		}
		return nil
	})
}

// Floats returns the tensor values as float32, decoding RawData when needed
func (t *TensorProto) Floats() ([]float32, error) {
	if t.DataType != DataTypeFloat {
		return nil, fmt.Errorf("tensor %s has data type %d, expected FLOAT", t.Name, t.DataType)
	}
	if len(t.FloatData) > 0 {
		return t.FloatData, nil
	}
	if len(t.RawData)%4 != 0 {
		return nil, fmt.Errorf("tensor %s: raw data length %d is not a multiple of 4", t.Name, len(t.RawData))
	}
	values := make([]float32, len(t.RawData)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:]))
	}
	return values, nil
}

// Shape returns Dims as ints
func (t *TensorProto) Shape() []int {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[i] = int(d)
	}
	return shape
}
