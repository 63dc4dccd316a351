package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX field numbers used by the encoder and decoder
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelDomain          = 4
	modelModelVersion    = 5
	modelDocString       = 6
	modelGraph           = 7
	modelOpsetImport     = 8
	modelMetadataProps   = 14

	opsetDomain  = 1
	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphDocString   = 10
	graphInput       = 11
	graphOutput      = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	attrName = 1
	attrF    = 2
	attrI    = 3
	attrS    = 4
	attrType = 20

	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorName      = 8
	tensorRawData   = 9

	valueInfoName = 1
	valueInfoType = 2

	typeTensorType = 1

	tensorTypeElemType = 1
	tensorTypeShape    = 2

	shapeDim = 1

	dimValue = 1
	dimParam = 2

	entryKey   = 1
	entryValue = 2
)

const (
	onnxIRVersion   = 7
	onnxOpsetVer    = 13
	onnxFloat       = 1 // TensorProto.FLOAT
	onnxAttrInt     = 2 // AttributeProto.INT
	producerName    = "go-retrain"
	producerVersion = "1.0.0"
	batchDimParam   = "batch"

	metaLabels    = "labels"
	metaRunID     = "run_id"
	metaCreatedAt = "created_at"
	metaStep      = "step"
	metaExtractor = "extractor"
)

// ONNXExporter encodes a softmax head checkpoint as an ONNX model:
// input -> MatMul(weight) -> Add(bias) -> Softmax(axis=1) -> output.
type ONNXExporter struct{}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// Marshal serializes checkpoint to ONNX protobuf bytes
func (oe *ONNXExporter) Marshal(checkpoint *Checkpoint) ([]byte, error) {
	head, err := checkpoint.Head()
	if err != nil {
		return nil, err
	}

	graph, err := oe.buildGraph(checkpoint, head)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}

	var b []byte
	b = appendVarintField(b, modelIRVersion, onnxIRVersion)
	b = appendStringField(b, modelProducerName, producerName)
	b = appendStringField(b, modelProducerVersion, producerVersion)
	b = appendStringField(b, modelDomain, "")
	b = appendVarintField(b, modelModelVersion, 1)
	if checkpoint.Metadata.Description != "" {
		b = appendStringField(b, modelDocString, checkpoint.Metadata.Description)
	}
	b = appendMessageField(b, modelGraph, graph)

	var opset []byte
	opset = appendStringField(opset, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, onnxOpsetVer)
	b = appendMessageField(b, modelOpsetImport, opset)

	for _, kv := range oe.metadata(checkpoint) {
		var entry []byte
		entry = appendStringField(entry, entryKey, kv[0])
		entry = appendStringField(entry, entryValue, kv[1])
		b = appendMessageField(b, modelMetadataProps, entry)
	}
	return b, nil
}

func (oe *ONNXExporter) metadata(checkpoint *Checkpoint) [][2]string {
	props := [][2]string{
		{metaLabels, strings.Join(checkpoint.Labels, "\n")},
	}
	if checkpoint.Metadata.RunID != "" {
		props = append(props, [2]string{metaRunID, checkpoint.Metadata.RunID})
	}
	if checkpoint.Metadata.Extractor != "" {
		props = append(props, [2]string{metaExtractor, checkpoint.Metadata.Extractor})
	}
	if !checkpoint.Metadata.CreatedAt.IsZero() {
		props = append(props, [2]string{metaCreatedAt, checkpoint.Metadata.CreatedAt.UTC().Format(time.RFC3339)})
	}
	if checkpoint.TrainingState.Step > 0 {
		props = append(props, [2]string{metaStep, fmt.Sprint(checkpoint.TrainingState.Step)})
	}
	return props
}

func (oe *ONNXExporter) buildGraph(checkpoint *Checkpoint, head *Head) ([]byte, error) {
	if head.Weight.Shape[0] != head.Inputs || head.Weight.Shape[1] != head.Classes {
		return nil, fmt.Errorf("weight shape %v does not match %dx%d", head.Weight.Shape, head.Inputs, head.Classes)
	}
	if len(head.Bias.Data) != head.Classes {
		return nil, fmt.Errorf("bias has %d values, expected %d", len(head.Bias.Data), head.Classes)
	}

	layer := head.Weight.Layer
	matmulOut := layer + "_matmul"
	logits := layer + "_logits"

	var g []byte
	g = appendMessageField(g, graphNode, oe.node(layer+"_matmul_op", "MatMul",
		[]string{checkpoint.InputName, head.Weight.Name}, []string{matmulOut}, nil))
	g = appendMessageField(g, graphNode, oe.node(layer+"_add_bias", "Add",
		[]string{matmulOut, head.Bias.Name}, []string{logits}, nil))

	var axis []byte
	axis = appendStringField(axis, attrName, "axis")
	axis = appendVarintField(axis, attrI, 1)
	axis = appendVarintField(axis, attrType, onnxAttrInt)
	g = appendMessageField(g, graphNode, oe.node(layer+"_softmax", "Softmax",
		[]string{logits}, []string{checkpoint.OutputName}, [][]byte{axis}))

	g = appendStringField(g, graphName, "retrained-"+layer)
	g = appendMessageField(g, graphInitializer, oe.tensor(head.Weight))
	g = appendMessageField(g, graphInitializer, oe.tensor(head.Bias))
	g = appendMessageField(g, graphInput, oe.valueInfo(checkpoint.InputName, head.Inputs))
	g = appendMessageField(g, graphOutput, oe.valueInfo(checkpoint.OutputName, head.Classes))
	return g, nil
}

func (oe *ONNXExporter) node(name, opType string, inputs, outputs []string, attrs [][]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendStringField(b, nodeInput, in)
	}
	for _, out := range outputs {
		b = appendStringField(b, nodeOutput, out)
	}
	b = appendStringField(b, nodeName, name)
	b = appendStringField(b, nodeOpType, opType)
	for _, a := range attrs {
		b = appendMessageField(b, nodeAttribute, a)
	}
	return b
}

func (oe *ONNXExporter) tensor(w WeightTensor) []byte {
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	var data []byte
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}

	var b []byte
	b = appendMessageField(b, tensorDims, dims)
	b = appendVarintField(b, tensorDataType, onnxFloat)
	b = appendMessageField(b, tensorFloatData, data)
	b = appendStringField(b, tensorName, w.Name)
	return b
}

// valueInfo describes a float tensor of shape [batch, width]
func (oe *ONNXExporter) valueInfo(name string, width int) []byte {
	var batch, fixed []byte
	batch = appendStringField(batch, dimParam, batchDimParam)
	fixed = appendVarintField(fixed, dimValue, uint64(width))

	var shape []byte
	shape = appendMessageField(shape, shapeDim, batch)
	shape = appendMessageField(shape, shapeDim, fixed)

	var tensorType []byte
	tensorType = appendVarintField(tensorType, tensorTypeElemType, onnxFloat)
	tensorType = appendMessageField(tensorType, tensorTypeShape, shape)

	var typ []byte
	typ = appendMessageField(typ, typeTensorType, tensorType)

	var b []byte
	b = appendStringField(b, valueInfoName, name)
	b = appendMessageField(b, valueInfoType, typ)
	return b
}

// ONNXImporter reads models written by ONNXExporter
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

type onnxNode struct {
	name    string
	opType  string
	inputs  []string
	outputs []string
}

type onnxGraph struct {
	nodes        []onnxNode
	initializers map[string]WeightTensor
	inputs       []string
	outputs      []string
}

// Unmarshal parses ONNX bytes back into a checkpoint
func (oi *ONNXImporter) Unmarshal(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{Framework: producerName},
	}
	var graph *onnxGraph

	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case modelProducerName:
			checkpoint.Metadata.Framework = string(v)
		case modelProducerVersion:
			checkpoint.Metadata.Version = string(v)
		case modelDocString:
			checkpoint.Metadata.Description = string(v)
		case modelGraph:
			g, err := oi.parseGraph(v)
			if err != nil {
				return err
			}
			graph = g
		case modelMetadataProps:
			key, value, err := oi.parseEntry(v)
			if err != nil {
				return err
			}
			oi.applyMetadata(checkpoint, key, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX model: %w", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}
	if err := oi.convertGraph(graph, checkpoint); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (oi *ONNXImporter) applyMetadata(checkpoint *Checkpoint, key, value string) {
	switch key {
	case metaLabels:
		if value != "" {
			checkpoint.Labels = strings.Split(value, "\n")
		}
	case metaRunID:
		checkpoint.Metadata.RunID = value
	case metaExtractor:
		checkpoint.Metadata.Extractor = value
	case metaCreatedAt:
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			checkpoint.Metadata.CreatedAt = t
		}
	case metaStep:
		fmt.Sscan(value, &checkpoint.TrainingState.Step)
	}
}

// convertGraph locates the MatMul, Add and Softmax nodes and their weights
func (oi *ONNXImporter) convertGraph(g *onnxGraph, checkpoint *Checkpoint) error {
	var matmul, add, softmax *onnxNode
	for i := range g.nodes {
		switch g.nodes[i].opType {
		case "MatMul":
			matmul = &g.nodes[i]
		case "Add":
			add = &g.nodes[i]
		case "Softmax":
			softmax = &g.nodes[i]
		default:
			return fmt.Errorf("unsupported ONNX operator %q", g.nodes[i].opType)
		}
	}
	if matmul == nil || add == nil || softmax == nil {
		return fmt.Errorf("graph is not a softmax head")
	}
	if len(matmul.inputs) != 2 || len(add.inputs) != 2 || len(softmax.outputs) != 1 {
		return fmt.Errorf("malformed softmax head nodes")
	}

	weight, ok := g.initializers[matmul.inputs[1]]
	if !ok {
		return fmt.Errorf("missing initializer %q", matmul.inputs[1])
	}
	bias, ok := g.initializers[add.inputs[1]]
	if !ok {
		return fmt.Errorf("missing initializer %q", add.inputs[1])
	}
	if len(weight.Shape) != 2 || len(weight.Data) != weight.Shape[0]*weight.Shape[1] {
		return fmt.Errorf("weight %q has inconsistent shape %v", weight.Name, weight.Shape)
	}

	if len(g.inputs) > 0 && g.inputs[0] != matmul.inputs[0] {
		return fmt.Errorf("graph input %q does not feed MatMul", g.inputs[0])
	}
	if len(g.outputs) > 0 && g.outputs[0] != softmax.outputs[0] {
		return fmt.Errorf("graph output %q is not the Softmax output", g.outputs[0])
	}

	layer := strings.TrimSuffix(matmul.name, "_matmul_op")
	weight.Layer, weight.Type = layer, "weight"
	bias.Layer, bias.Type = layer, "bias"

	checkpoint.InputName = matmul.inputs[0]
	checkpoint.OutputName = softmax.outputs[0]
	checkpoint.Weights = []WeightTensor{weight, bias}
	return nil
}

func (oi *ONNXImporter) parseGraph(data []byte) (*onnxGraph, error) {
	g := &onnxGraph{initializers: make(map[string]WeightTensor)}
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case graphNode:
			node, err := oi.parseNode(v)
			if err != nil {
				return err
			}
			g.nodes = append(g.nodes, node)
		case graphInitializer:
			t, err := oi.parseTensor(v)
			if err != nil {
				return err
			}
			g.initializers[t.Name] = t
		case graphInput, graphOutput:
			name, err := oi.parseValueInfoName(v)
			if err != nil {
				return err
			}
			if num == graphInput {
				g.inputs = append(g.inputs, name)
			} else {
				g.outputs = append(g.outputs, name)
			}
		}
		return nil
	})
	return g, err
}

func (oi *ONNXImporter) parseNode(data []byte) (onnxNode, error) {
	var node onnxNode
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case nodeInput:
			node.inputs = append(node.inputs, string(v))
		case nodeOutput:
			node.outputs = append(node.outputs, string(v))
		case nodeName:
			node.name = string(v)
		case nodeOpType:
			node.opType = string(v)
		}
		return nil
	})
	return node, err
}

func (oi *ONNXImporter) parseTensor(data []byte) (WeightTensor, error) {
	var t WeightTensor
	dataType := uint64(onnxFloat)
	err := walkFieldsTyped(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.BytesType {
				for len(v) > 0 {
					d, m := protowire.ConsumeVarint(v)
					if m < 0 {
						return protowire.ParseError(m)
					}
					t.Shape = append(t.Shape, int(d))
					v = v[m:]
				}
			} else {
				t.Shape = append(t.Shape, int(n))
			}
		case tensorDataType:
			dataType = n
		case tensorFloatData:
			if typ == protowire.BytesType {
				for len(v) > 0 {
					bits, m := protowire.ConsumeFixed32(v)
					if m < 0 {
						return protowire.ParseError(m)
					}
					t.Data = append(t.Data, math.Float32frombits(bits))
					v = v[m:]
				}
			} else {
				t.Data = append(t.Data, math.Float32frombits(uint32(n)))
			}
		case tensorName:
			t.Name = string(v)
		case tensorRawData:
			if len(v)%4 != 0 {
				return fmt.Errorf("raw tensor data length %d is not a multiple of 4", len(v))
			}
			for i := 0; i < len(v); i += 4 {
				t.Data = append(t.Data, math.Float32frombits(binary.LittleEndian.Uint32(v[i:])))
			}
		}
		return nil
	})
	if err != nil {
		return t, err
	}
	if dataType != onnxFloat {
		return t, fmt.Errorf("tensor %q has unsupported data type %d", t.Name, dataType)
	}
	return t, nil
}

func (oi *ONNXImporter) parseValueInfoName(data []byte) (string, error) {
	var name string
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		if num == valueInfoName {
			name = string(v)
		}
		return nil
	})
	return name, err
}

func (oi *ONNXImporter) parseEntry(data []byte) (string, string, error) {
	var key, value string
	err := walkFields(data, func(num protowire.Number, v []byte, n uint64) error {
		switch num {
		case entryKey:
			key = string(v)
		case entryValue:
			value = string(v)
		}
		return nil
	})
	return key, value, err
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessageField(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// walkFields calls fn for every field of a message. Length-delimited values
// arrive in v, varint and fixed values in n.
func walkFields(data []byte, fn func(num protowire.Number, v []byte, n uint64) error) error {
	return walkFieldsTyped(data, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		return fn(num, v, n)
	})
}

func walkFieldsTyped(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, m := protowire.ConsumeTag(data)
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]

		var (
			v []byte
			n uint64
		)
		switch typ {
		case protowire.VarintType:
			n, m = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var x uint32
			x, m = protowire.ConsumeFixed32(data)
			n = uint64(x)
		case protowire.Fixed64Type:
			n, m = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, m = protowire.ConsumeBytes(data)
		default:
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]

		if err := fn(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
