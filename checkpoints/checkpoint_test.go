package checkpoints

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testHead(t *testing.T) *Checkpoint {
	t.Helper()
	inputs, classes := 3, 2
	weights := []float32{0.1, -0.2, 0.3, 0.4, -0.5, 0.6}
	biases := []float32{0.01, -0.02}
	ckpt, err := NewHeadCheckpoint("final_layer", "bottleneck_input", "final_result",
		weights, biases, inputs, classes, []string{"daisy", "rose"})
	require.NoError(t, err)
	ckpt.Metadata.RunID = "run-1"
	ckpt.Metadata.Extractor = "pixelgrid-v1-16"
	ckpt.Metadata.CreatedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ckpt.TrainingState.Step = 400
	return ckpt
}

func TestNewHeadCheckpointValidates(t *testing.T) {
	_, err := NewHeadCheckpoint("l", "in", "out", make([]float32, 5), make([]float32, 2), 3, 2, []string{"a", "b"})
	assert.Error(t, err)
	_, err = NewHeadCheckpoint("l", "in", "out", make([]float32, 6), make([]float32, 1), 3, 2, []string{"a", "b"})
	assert.Error(t, err)
	_, err = NewHeadCheckpoint("l", "in", "out", make([]float32, 6), make([]float32, 2), 3, 2, []string{"a"})
	assert.Error(t, err)
}

func TestCheckpointHead(t *testing.T) {
	head, err := testHead(t).Head()
	require.NoError(t, err)
	assert.Equal(t, 3, head.Inputs)
	assert.Equal(t, 2, head.Classes)
	assert.Equal(t, "final_layer.weight", head.Weight.Name)
	assert.Equal(t, "final_layer.bias", head.Bias.Name)

	_, err = (&Checkpoint{InputName: "a", OutputName: "b"}).Head()
	assert.Error(t, err)
}

func TestONNXRoundTrip(t *testing.T) {
	ckpt := testHead(t)
	saver := NewCheckpointSaver(FormatONNX)

	data, err := saver.Marshal(ckpt)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	got, err := saver.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "bottleneck_input", got.InputName)
	assert.Equal(t, "final_result", got.OutputName)
	assert.Equal(t, []string{"daisy", "rose"}, got.Labels)
	assert.Equal(t, "run-1", got.Metadata.RunID)
	assert.Equal(t, "pixelgrid-v1-16", got.Metadata.Extractor)
	assert.Equal(t, producerName, got.Metadata.Framework)
	assert.True(t, ckpt.Metadata.CreatedAt.Equal(got.Metadata.CreatedAt))
	assert.Equal(t, 400, got.TrainingState.Step)

	head, err := got.Head()
	require.NoError(t, err)
	assert.Equal(t, ckpt.Weights[0].Data, head.Weight.Data)
	assert.Equal(t, []int{3, 2}, head.Weight.Shape)
	assert.Equal(t, ckpt.Weights[1].Data, head.Bias.Data)
	assert.Equal(t, "final_layer", head.Weight.Layer)
}

func TestONNXModelHeader(t *testing.T) {
	data, err := NewONNXExporter().Marshal(testHead(t))
	require.NoError(t, err)

	num, typ, n := protowire.ConsumeTag(data)
	require.Greater(t, n, 0)
	assert.Equal(t, protowire.Number(modelIRVersion), num)
	assert.Equal(t, protowire.VarintType, typ)
	v, m := protowire.ConsumeVarint(data[n:])
	require.Greater(t, m, 0)
	assert.Equal(t, uint64(onnxIRVersion), v)

	var ops []string
	var graph []byte
	require.NoError(t, walkFields(data, func(num protowire.Number, v []byte, _ uint64) error {
		if num == modelGraph {
			graph = v
		}
		return nil
	}))
	g, err := NewONNXImporter().parseGraph(graph)
	require.NoError(t, err)
	for _, node := range g.nodes {
		ops = append(ops, node.opType)
	}
	assert.Equal(t, []string{"MatMul", "Add", "Softmax"}, ops)
	assert.Equal(t, []string{"bottleneck_input"}, g.inputs)
	assert.Equal(t, []string{"final_result"}, g.outputs)
}

func TestONNXImportRejectsGarbage(t *testing.T) {
	_, err := NewONNXImporter().Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = NewONNXImporter().Unmarshal(appendVarintField(nil, modelIRVersion, 7))
	assert.Error(t, err, "model without graph")

	var node []byte
	node = appendStringField(node, nodeOpType, "Conv")
	var graph []byte
	graph = appendMessageField(graph, graphNode, node)
	model := appendMessageField(nil, modelGraph, graph)
	_, err = NewONNXImporter().Unmarshal(model)
	assert.ErrorContains(t, err, "unsupported ONNX operator")
}

func TestONNXImportRawData(t *testing.T) {
	var raw []byte
	for _, v := range []float32{1.5, -2} {
		raw = protowire.AppendFixed32(raw, math.Float32bits(v))
	}
	var tensor []byte
	tensor = appendVarintField(tensor, tensorDims, 2)
	tensor = appendVarintField(tensor, tensorDataType, onnxFloat)
	tensor = appendStringField(tensor, tensorName, "b")
	tensor = appendMessageField(tensor, tensorRawData, raw)

	got, err := NewONNXImporter().parseTensor(tensor)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got.Shape)
	assert.Equal(t, []float32{1.5, -2}, got.Data)
}

func TestCheckpointJSONSaveLoad(t *testing.T) {
	ckpt := testHead(t)
	path := filepath.Join(t.TempDir(), "nested", "head.json")
	saver := NewCheckpointSaver(FormatJSON)

	require.NoError(t, saver.SaveCheckpoint(ckpt, path))
	got, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, ckpt.Weights, got.Weights)
	assert.Equal(t, ckpt.Labels, got.Labels)
	assert.Equal(t, ckpt.TrainingState, got.TrainingState)
}

func TestCheckpointONNXSaveLoad(t *testing.T) {
	ckpt := testHead(t)
	path := filepath.Join(t.TempDir(), "output_graph.pb")
	saver := NewCheckpointSaver(FormatONNX)

	require.NoError(t, saver.SaveCheckpoint(ckpt, path))
	got, err := saver.LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, ckpt.Weights[0].Data, got.Weights[0].Data)

	_, err = saver.LoadCheckpoint(filepath.Join(t.TempDir(), "missing.pb"))
	assert.Error(t, err)
}

func TestUnsupportedFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(9))
	_, err := saver.Marshal(testHead(t))
	assert.Error(t, err)
	assert.Equal(t, "Unknown", CheckpointFormat(9).String())
}

func TestWriteFileLeavesNoTemporaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	require.NoError(t, WriteFile(path, []byte("one")))
	require.NoError(t, WriteFile(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
