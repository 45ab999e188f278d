// Package onnx holds the subset of the ONNX protobuf schema used to exchange
// exported classifiers, a structural checker and a CPU execution session.
package onnx

// DataType mirrors TensorProto.DataType
type DataType int32

const (
	DataTypeUndefined DataType = 0
	DataTypeFloat     DataType = 1
	DataTypeInt64     DataType = 7
)

// AttributeType mirrors AttributeProto.AttributeType
type AttributeType int32

const (
	AttributeUndefined AttributeType = 0
	AttributeFloat     AttributeType = 1
	AttributeInt       AttributeType = 2
	AttributeString    AttributeType = 3
	AttributeTensor    AttributeType = 4
	AttributeGraph     AttributeType = 5
	AttributeFloats    AttributeType = 6
	AttributeInts      AttributeType = 7
	AttributeStrings   AttributeType = 8
)

// ModelProto is the top-level ONNX container
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetIdProto
}

// OperatorSetIdProto names an operator set the graph relies on
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// GraphProto is a topologically sorted list of nodes plus its initializers
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	DocString string
	Domain    string
}

type AttributeProto struct {
	Name    string
	F       float32
	I       int64
	S       []byte
	T       *TensorProto
	Floats  []float32
	Ints    []int64
	Strings [][]byte
	Type    AttributeType
}

// TensorProto carries initializer data either as typed fields or as little-endian RawData
type TensorProto struct {
	Dims      []int64
	DataType  DataType
	FloatData []float32
	Int64Data []int64
	Name      string
	RawData   []byte
}

type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto only models the tensor_type branch of the oneof
type TypeProto struct {
	TensorType *TypeProtoTensor
}

type TypeProtoTensor struct {
	ElemType DataType
	Shape    *TensorShapeProto
}

type TensorShapeProto struct {
	Dim []*Dimension
}

// Dimension is either a fixed size or a symbolic name such as "sequence_length"
type Dimension struct {
	DimValue int64
	DimParam string
}

// IsSymbolic reports whether the dimension has no fixed size
func (d *Dimension) IsSymbolic() bool {
	return d.DimParam != "" || d.DimValue <= 0
}

// Attr returns the attribute called name, or nil
func (n *NodeProto) Attr(name string) *AttributeProto {
	for _, attr := range n.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// FloatAttr returns a float attribute or defaultValue when absent
func (n *NodeProto) FloatAttr(name string, defaultValue float32) float32 {
	if attr := n.Attr(name); attr != nil {
		return attr.F
	}
	return defaultValue
}

// IntAttr returns an int attribute or defaultValue when absent
func (n *NodeProto) IntAttr(name string, defaultValue int64) int64 {
	if attr := n.Attr(name); attr != nil {
		return attr.I
	}
	return defaultValue
}

// FloatAttribute builds a FLOAT attribute
func FloatAttribute(name string, value float32) *AttributeProto {
	return &AttributeProto{Name: name, F: value, Type: AttributeFloat}
}

// IntAttribute builds an INT attribute
func IntAttribute(name string, value int64) *AttributeProto {
	return &AttributeProto{Name: name, I: value, Type: AttributeInt}
}

// TensorValueInfo describes a float tensor input or output.
// Negative sizes in shape become symbolic dimensions named by params.
func TensorValueInfo(name string, shape []int, params map[int]string) *ValueInfoProto {
	dims := make([]*Dimension, len(shape))
	for i, size := range shape {
		if param, ok := params[i]; ok {
			dims[i] = &Dimension{DimParam: param}
			continue
		}
		dims[i] = &Dimension{DimValue: int64(size)}
	}
	return &ValueInfoProto{
		Name: name,
		Type: &TypeProto{
			TensorType: &TypeProtoTensor{
				ElemType: DataTypeFloat,
				Shape:    &TensorShapeProto{Dim: dims},
			},
		},
	}
}

// FloatTensor builds a FLOAT initializer
func FloatTensor(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, s := range shape {
		dims[i] = int64(s)
	}
	values := make([]float32, len(data))
	copy(values, data)
	return &TensorProto{
		Name:      name,
		DataType:  DataTypeFloat,
		Dims:      dims,
		FloatData: values,
	}
}
