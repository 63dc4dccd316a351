package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output_labels.txt")
	require.NoError(t, WriteLabels(path, []string{"daisy", "roses", "sunflowers"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "daisy\nroses\nsunflowers\n", string(data))

	labels, err := ReadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"daisy", "roses", "sunflowers"}, labels)
}

func TestLabelsEdgeCases(t *testing.T) {
	dir := t.TempDir()

	assert.Error(t, WriteLabels(filepath.Join(dir, "bad.txt"), []string{"a\nb"}))

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, WriteLabels(empty, nil))
	labels, err := ReadLabels(empty)
	require.NoError(t, err)
	assert.Empty(t, labels)

	crlf := filepath.Join(dir, "crlf.txt")
	require.NoError(t, os.WriteFile(crlf, []byte("a\r\nb\r\n"), 0644))
	labels, err = ReadLabels(crlf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, labels)

	_, err = ReadLabels(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}
