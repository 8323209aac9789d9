package protos

// Field numbers follow onnx.proto (IR version 8+).

func (x *ModelProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.int64(1, x.IrVersion)
	e.string(2, x.ProducerName)
	e.string(3, x.ProducerVersion)
	e.string(4, x.Domain)
	e.int64(5, x.ModelVersion)
	e.string(6, x.DocString)
	if x.Graph != nil {
		e.message(7, x.Graph)
	}
	for _, opset := range x.OpsetImport {
		e.message(8, opset)
	}
	for _, prop := range x.MetadataProps {
		e.message(14, prop)
	}
	return e.b
}

func (x *ModelProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.IrVersion = int64(d.varint())
		case 2:
			x.ProducerName = d.string()
		case 3:
			x.ProducerVersion = d.string()
		case 4:
			x.Domain = d.string()
		case 5:
			x.ModelVersion = int64(d.varint())
		case 6:
			x.DocString = d.string()
		case 7:
			x.Graph = &GraphProto{}
			d.message(x.Graph)
		case 8:
			opset := &OperatorSetIdProto{}
			d.message(opset)
			x.OpsetImport = append(x.OpsetImport, opset)
		case 14:
			prop := &StringStringEntryProto{}
			d.message(prop)
			x.MetadataProps = append(x.MetadataProps, prop)
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *OperatorSetIdProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.string(1, x.Domain)
	e.int64(2, x.Version)
	return e.b
}

func (x *OperatorSetIdProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Domain = d.string()
		case 2:
			x.Version = int64(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *StringStringEntryProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.string(1, x.Key)
	e.string(2, x.Value)
	return e.b
}

func (x *StringStringEntryProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Key = d.string()
		case 2:
			x.Value = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *GraphProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	for _, node := range x.Node {
		e.message(1, node)
	}
	e.string(2, x.Name)
	for _, init := range x.Initializer {
		e.message(5, init)
	}
	e.string(10, x.DocString)
	for _, vi := range x.Input {
		e.message(11, vi)
	}
	for _, vi := range x.Output {
		e.message(12, vi)
	}
	for _, vi := range x.ValueInfo {
		e.message(13, vi)
	}
	return e.b
}

func (x *GraphProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			node := &NodeProto{}
			d.message(node)
			x.Node = append(x.Node, node)
		case 2:
			x.Name = d.string()
		case 5:
			init := &TensorProto{}
			d.message(init)
			x.Initializer = append(x.Initializer, init)
		case 10:
			x.DocString = d.string()
		case 11, 12, 13:
			num := d.num
			vi := &ValueInfoProto{}
			d.message(vi)
			switch num {
			case 11:
				x.Input = append(x.Input, vi)
			case 12:
				x.Output = append(x.Output, vi)
			default:
				x.ValueInfo = append(x.ValueInfo, vi)
			}
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *NodeProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.repeatedString(1, x.Input)
	e.repeatedString(2, x.Output)
	e.string(3, x.Name)
	e.string(4, x.OpType)
	for _, attr := range x.Attribute {
		e.message(5, attr)
	}
	e.string(6, x.DocString)
	e.string(7, x.Domain)
	return e.b
}

func (x *NodeProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Input = append(x.Input, d.string())
		case 2:
			x.Output = append(x.Output, d.string())
		case 3:
			x.Name = d.string()
		case 4:
			x.OpType = d.string()
		case 5:
			attr := &AttributeProto{}
			d.message(attr)
			x.Attribute = append(x.Attribute, attr)
		case 6:
			x.DocString = d.string()
		case 7:
			x.Domain = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *AttributeProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.string(1, x.Name)
	e.float32(2, x.F)
	e.int64(3, x.I)
	e.bytes(4, x.S)
	if x.T != nil {
		e.message(5, x.T)
	}
	if x.G != nil {
		e.message(6, x.G)
	}
	e.packedFloat32(7, x.Floats)
	packedVarints(&e, 8, x.Ints)
	e.repeatedBytes(9, x.Strings)
	for _, t := range x.Tensors {
		e.message(10, t)
	}
	for _, g := range x.Graphs {
		e.message(11, g)
	}
	e.string(13, x.DocString)
	e.int64(20, int64(x.Type))
	return e.b
}

func (x *AttributeProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Name = d.string()
		case 2:
			x.F = d.float32()
		case 3:
			x.I = int64(d.varint())
		case 4:
			x.S = d.bytes()
		case 5:
			x.T = &TensorProto{}
			d.message(x.T)
		case 6:
			x.G = &GraphProto{}
			d.message(x.G)
		case 7:
			x.Floats = d.appendFloat32s(x.Floats)
		case 8:
			x.Ints = appendVarints(&d, x.Ints)
		case 9:
			x.Strings = append(x.Strings, d.bytes())
		case 10:
			t := &TensorProto{}
			d.message(t)
			x.Tensors = append(x.Tensors, t)
		case 11:
			g := &GraphProto{}
			d.message(g)
			x.Graphs = append(x.Graphs, g)
		case 13:
			x.DocString = d.string()
		case 20:
			x.Type = AttributeProto_AttributeType(int32(d.varint()))
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *TensorProto_Segment) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.int64(1, x.Begin)
	e.int64(2, x.End)
	return e.b
}

func (x *TensorProto_Segment) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Begin = int64(d.varint())
		case 2:
			x.End = int64(d.varint())
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *TensorProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	packedVarints(&e, 1, x.Dims)
	e.int64(2, int64(x.DataType))
	if x.Segment != nil {
		e.message(3, x.Segment)
	}
	e.packedFloat32(4, x.FloatData)
	packedVarints(&e, 5, x.Int32Data)
	e.repeatedBytes(6, x.StringData)
	packedVarints(&e, 7, x.Int64Data)
	e.string(8, x.Name)
	e.bytes(9, x.RawData)
	e.packedFloat64(10, x.DoubleData)
	packedVarints(&e, 11, x.Uint64Data)
	e.string(12, x.DocString)
	return e.b
}

func (x *TensorProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Dims = appendVarints(&d, x.Dims)
		case 2:
			x.DataType = int32(d.varint())
		case 3:
			x.Segment = &TensorProto_Segment{}
			d.message(x.Segment)
		case 4:
			x.FloatData = d.appendFloat32s(x.FloatData)
		case 5:
			x.Int32Data = appendVarints(&d, x.Int32Data)
		case 6:
			x.StringData = append(x.StringData, d.bytes())
		case 7:
			x.Int64Data = appendVarints(&d, x.Int64Data)
		case 8:
			x.Name = d.string()
		case 9:
			x.RawData = d.bytes()
		case 10:
			x.DoubleData = d.appendFloat64s(x.DoubleData)
		case 11:
			x.Uint64Data = appendVarints(&d, x.Uint64Data)
		case 12:
			x.DocString = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *ValueInfoProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.string(1, x.Name)
	if x.Type != nil {
		e.message(2, x.Type)
	}
	e.string(3, x.DocString)
	return e.b
}

func (x *ValueInfoProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Name = d.string()
		case 2:
			x.Type = &TypeProto{}
			d.message(x.Type)
		case 3:
			x.DocString = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *TypeProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	if x.TensorType != nil {
		e.message(1, x.TensorType)
	}
	e.string(6, x.Denotation)
	return e.b
}

func (x *TypeProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.TensorType = &TypeProto_Tensor{}
			d.message(x.TensorType)
		case 6:
			x.Denotation = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *TypeProto_Tensor) appendTo(b []byte) []byte {
	e := encoder{b: b}
	e.int64(1, int64(x.ElemType))
	if x.Shape != nil {
		e.message(2, x.Shape)
	}
	return e.b
}

func (x *TypeProto_Tensor) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.ElemType = int32(d.varint())
		case 2:
			x.Shape = &TensorShapeProto{}
			d.message(x.Shape)
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *TensorShapeProto) appendTo(b []byte) []byte {
	e := encoder{b: b}
	for _, dim := range x.Dim {
		e.message(1, dim)
	}
	return e.b
}

func (x *TensorShapeProto) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			dim := &TensorShapeProto_Dimension{}
			d.message(dim)
			x.Dim = append(x.Dim, dim)
		default:
			d.skip()
		}
	}
	return d.err
}

func (x *TensorShapeProto_Dimension) appendTo(b []byte) []byte {
	e := encoder{b: b}
	switch v := x.Value.(type) {
	case *TensorShapeProto_Dimension_DimValue:
		// A oneof member is written even when zero.
		e.b = appendOneofVarint(e.b, 1, uint64(v.DimValue))
	case *TensorShapeProto_Dimension_DimParam:
		e.string(2, v.DimParam)
	}
	e.string(3, x.Denotation)
	return e.b
}

func (x *TensorShapeProto_Dimension) unmarshal(b []byte) error {
	d := decoder{b: b}
	for d.next() {
		switch d.num {
		case 1:
			x.Value = &TensorShapeProto_Dimension_DimValue{DimValue: int64(d.varint())}
		case 2:
			x.Value = &TensorShapeProto_Dimension_DimParam{DimParam: d.string()}
		case 3:
			x.Denotation = d.string()
		default:
			d.skip()
		}
	}
	return d.err
}
