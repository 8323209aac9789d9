// Package protos holds the subset of the ONNX protobuf messages (see onnx/onnx.proto upstream) used to
// export and read back quantized graphs.
//
// Field names and numbers follow onnx.proto, so files written here are read by any ONNX tool, and
// files written by other tools can be read here (unknown fields are skipped).
package protos

import "fmt"

// TensorProto_DataType enumerates the ONNX tensor element types.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

var tensorDataTypeNames = map[TensorProto_DataType]string{
	TensorProto_UNDEFINED:  "UNDEFINED",
	TensorProto_FLOAT:      "FLOAT",
	TensorProto_UINT8:      "UINT8",
	TensorProto_INT8:       "INT8",
	TensorProto_UINT16:     "UINT16",
	TensorProto_INT16:      "INT16",
	TensorProto_INT32:      "INT32",
	TensorProto_INT64:      "INT64",
	TensorProto_STRING:     "STRING",
	TensorProto_BOOL:       "BOOL",
	TensorProto_FLOAT16:    "FLOAT16",
	TensorProto_DOUBLE:     "DOUBLE",
	TensorProto_UINT32:     "UINT32",
	TensorProto_UINT64:     "UINT64",
	TensorProto_COMPLEX64:  "COMPLEX64",
	TensorProto_COMPLEX128: "COMPLEX128",
	TensorProto_BFLOAT16:   "BFLOAT16",
}

// String implements fmt.Stringer.
func (x TensorProto_DataType) String() string {
	if name, found := tensorDataTypeNames[x]; found {
		return name
	}
	return fmt.Sprintf("TensorProto_DataType(%d)", int32(x))
}

// AttributeProto_AttributeType enumerates the ONNX attribute kinds.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
	AttributeProto_GRAPHS    AttributeProto_AttributeType = 10
)

var attributeTypeNames = [...]string{
	"UNDEFINED", "FLOAT", "INT", "STRING", "TENSOR", "GRAPH", "FLOATS", "INTS", "STRINGS", "TENSORS", "GRAPHS",
}

// String implements fmt.Stringer.
func (x AttributeProto_AttributeType) String() string {
	if x >= 0 && int(x) < len(attributeTypeNames) {
		return attributeTypeNames[x]
	}
	return fmt.Sprintf("AttributeProto_AttributeType(%d)", int32(x))
}

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
}

// GetGraph returns the graph or nil.
func (x *ModelProto) GetGraph() *GraphProto {
	if x == nil {
		return nil
	}
	return x.Graph
}

// GetIrVersion returns the IR version or 0.
func (x *ModelProto) GetIrVersion() int64 {
	if x == nil {
		return 0
	}
	return x.IrVersion
}

// GetOpsetImport returns the opset imports.
func (x *ModelProto) GetOpsetImport() []*OperatorSetIdProto {
	if x == nil {
		return nil
	}
	return x.OpsetImport
}

// GetProducerName returns the producer name or "".
func (x *ModelProto) GetProducerName() string {
	if x == nil {
		return ""
	}
	return x.ProducerName
}

// GetProducerVersion returns the producer version or "".
func (x *ModelProto) GetProducerVersion() string {
	if x == nil {
		return ""
	}
	return x.ProducerVersion
}

// OperatorSetIdProto identifies an operator set (domain + version).
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// GetVersion returns the opset version or 0.
func (x *OperatorSetIdProto) GetVersion() int64 {
	if x == nil {
		return 0
	}
	return x.Version
}

// StringStringEntryProto is a key/value metadata entry.
type StringStringEntryProto struct {
	Key   string
	Value string
}

// GraphProto is a list of nodes in topological order, plus its inputs, outputs and initializers.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// GetNode returns the graph nodes.
func (x *GraphProto) GetNode() []*NodeProto {
	if x == nil {
		return nil
	}
	return x.Node
}

// GetName returns the graph name or "".
func (x *GraphProto) GetName() string {
	if x == nil {
		return ""
	}
	return x.Name
}

// NodeProto is one operator invocation. Nodes are connected by tensor names: the output name of a
// producer equals the input name of its consumers.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

// GetOpType returns the op type or "".
func (x *NodeProto) GetOpType() string {
	if x == nil {
		return ""
	}
	return x.OpType
}

// AttributeProto is a named attribute of a node. Only the field selected by Type is meaningful.
type AttributeProto struct {
	Name      string
	DocString string
	Type      AttributeProto_AttributeType
	F         float32
	I         int64
	S         []byte
	T         *TensorProto
	G         *GraphProto
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	Tensors   []*TensorProto
	Graphs    []*GraphProto
}

// GetT returns the tensor value or nil.
func (x *AttributeProto) GetT() *TensorProto {
	if x == nil {
		return nil
	}
	return x.T
}

// TensorProto_Segment describes a segment of a larger tensor.
type TensorProto_Segment struct {
	Begin int64
	End   int64
}

// TensorProto is a serialized tensor value. Data is either in RawData (little-endian, row-major) or in
// the typed field matching DataType.
type TensorProto struct {
	Dims       []int64
	DataType   int32
	Segment    *TensorProto_Segment
	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	Name       string
	DocString  string
	RawData    []byte
	DoubleData []float64
	Uint64Data []uint64
}

// GetDims returns the tensor dimensions.
func (x *TensorProto) GetDims() []int64 {
	if x == nil {
		return nil
	}
	return x.Dims
}

// ValueInfoProto describes a graph input, output or intermediate value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// GetType returns the type or nil.
func (x *ValueInfoProto) GetType() *TypeProto {
	if x == nil {
		return nil
	}
	return x.Type
}

// TypeProto is the type of a value. Only tensor types are supported.
type TypeProto struct {
	TensorType *TypeProto_Tensor
	Denotation string
}

// GetTensorType returns the tensor type or nil.
func (x *TypeProto) GetTensorType() *TypeProto_Tensor {
	if x == nil {
		return nil
	}
	return x.TensorType
}

// TypeProto_Tensor is a tensor type: element type and (possibly dynamic) shape.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// GetElemType returns the element type or 0 (UNDEFINED).
func (x *TypeProto_Tensor) GetElemType() int32 {
	if x == nil {
		return 0
	}
	return x.ElemType
}

// GetShape returns the shape or nil.
func (x *TypeProto_Tensor) GetShape() *TensorShapeProto {
	if x == nil {
		return nil
	}
	return x.Shape
}

// TensorShapeProto is a list of dimensions.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is either a static value or a named (dynamic) parameter.
type TensorShapeProto_Dimension struct {
	Value      isTensorShapeProto_Dimension_Value
	Denotation string
}

type isTensorShapeProto_Dimension_Value interface {
	isTensorShapeProto_Dimension_Value()
}

// TensorShapeProto_Dimension_DimValue is a static dimension.
type TensorShapeProto_Dimension_DimValue struct {
	DimValue int64
}

// TensorShapeProto_Dimension_DimParam is a named dynamic dimension.
type TensorShapeProto_Dimension_DimParam struct {
	DimParam string
}

func (*TensorShapeProto_Dimension_DimValue) isTensorShapeProto_Dimension_Value() {}
func (*TensorShapeProto_Dimension_DimParam) isTensorShapeProto_Dimension_Value() {}

// GetValue returns the oneof value, nil if not set.
func (x *TensorShapeProto_Dimension) GetValue() isTensorShapeProto_Dimension_Value {
	if x == nil {
		return nil
	}
	return x.Value
}

// GetDimValue returns the static dimension, or 0 if not static.
func (x *TensorShapeProto_Dimension) GetDimValue() int64 {
	if v, ok := x.GetValue().(*TensorShapeProto_Dimension_DimValue); ok {
		return v.DimValue
	}
	return 0
}
