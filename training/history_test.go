package training

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryRecordsRun(t *testing.T) {
	ctx := context.Background()
	h := openTestHistory(t)

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.ImageDir = "/data/flowers"
	require.NoError(t, h.StartRun(ctx, RunRecord{
		ID:        "run-1",
		StartedAt: started,
		ImageDir:  cfg.ImageDir,
		Labels:    []string{"daisy", "roses"},
		Extractor: "pixelgrid-v1-16",
		Strategy:  "cached",
	}, cfg))

	run, err := h.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStarted, run.Status)
	assert.True(t, run.StartedAt.Equal(started))
	assert.True(t, run.FinishedAt.IsZero())
	assert.Equal(t, []string{"daisy", "roses"}, run.Labels)

	for _, step := range []int{10, 0} {
		require.NoError(t, h.RecordEvaluation(ctx, "run-1", Evaluation{
			Step: step, TrainAccuracy: 0.5, CrossEntropy: 0.69, ValidationAccuracy: 0.4, LearningRate: 0.01,
		}))
	}
	evals, err := h.Evaluations(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, 0, evals[0].Step)
	assert.Equal(t, 10, evals[1].Step)
	assert.Equal(t, 0.69, evals[1].CrossEntropy)

	cm := NewConfusionMatrix([]string{"daisy", "roses"})
	require.NoError(t, cm.Update([][]float64{{0.9, 0.1}}, []int{0}))
	require.NoError(t, h.RecordTest(ctx, "run-1", 0.875, 8, cm))
	acc, samples, err := h.TestAccuracy(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0.875, acc)
	assert.Equal(t, 8, samples)

	require.NoError(t, h.FinishRun(ctx, "run-1", RunCompleted))
	run, err = h.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.False(t, run.FinishedAt.IsZero())
}

func TestHistoryRejectsDuplicateEvaluation(t *testing.T) {
	ctx := context.Background()
	h := openTestHistory(t)
	require.NoError(t, h.StartRun(ctx, RunRecord{ID: "run-2", StartedAt: time.Now()}, DefaultConfig()))

	e := Evaluation{Step: 3}
	require.NoError(t, h.RecordEvaluation(ctx, "run-2", e))
	assert.Error(t, h.RecordEvaluation(ctx, "run-2", e))
}

func TestHistoryUnknownRun(t *testing.T) {
	h := openTestHistory(t)
	_, err := h.Run(context.Background(), "missing")
	assert.Error(t, err)
}
