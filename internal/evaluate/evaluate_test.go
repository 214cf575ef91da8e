package evaluate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/internal/config"
	"behaviorwatch/internal/dispatch"
	"behaviorwatch/internal/logging"
	"behaviorwatch/internal/model"
)

func testEvaluator(t *testing.T, workerScript string) *Evaluator {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+workerScript+"\n"), 0o755))
	cfg := config.DefaultConfig()
	cfg.Worker.Python = "/bin/sh"
	cfg.Worker.Script = script
	cfg.Worker.StagingDir = dir
	return New(dispatch.New(config.NewStaticManager(cfg), logging.Discard()), logging.Discard())
}

func TestBatchEmpty(t *testing.T) {
	e := testEvaluator(t, `echo '{}'`)
	results, err := e.Batch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEvaluateAccuracy(t *testing.T) {
	e := testEvaluator(t, `echo '{"success":true,"results":[`+
		`{"detected":true,"confidence":0.9,"label":"standing"},`+
		`{"detected":true,"confidence":0.8,"label":"tapping"},`+
		`{"detected":false,"confidence":0.1,"label":"idle"}`+
		`],"total_analyzed":3}'`)

	report, err := e.Evaluate(context.Background(), []Item{
		{Type: model.BehaviorSitStand, Data: []float64{1}, Label: "standing"},
		{Type: model.BehaviorTappingHands, Data: []float64{2}, Label: "still"},
		{Type: model.BehaviorEyeGaze, Data: []float64{3}},
	})
	require.NoError(t, err)
	require.Len(t, report.Results, 3)
	assert.Equal(t, 2, report.Labeled, "unlabeled items do not count toward accuracy")
	assert.Equal(t, 1, report.Correct)
	require.NotNil(t, report.Accuracy)
	assert.InDelta(t, 0.5, *report.Accuracy, 1e-9)
}

func TestEvaluateNoLabelsMeansNoAccuracy(t *testing.T) {
	e := testEvaluator(t, `echo '{"success":true,"results":[{"detected":true,"confidence":0.9,"label":"standing"}],"total_analyzed":1}'`)

	report, err := e.Evaluate(context.Background(), []Item{
		{Type: model.BehaviorSitStand, Data: []float64{1}},
	})
	require.NoError(t, err)
	assert.Nil(t, report.Accuracy)
	assert.Equal(t, 0, report.Labeled)
}

func TestEvaluateFailedSlotNeverCorrect(t *testing.T) {
	e := testEvaluator(t, `echo "model blew up" >&2; exit 1`)

	report, err := e.Evaluate(context.Background(), []Item{
		{Type: model.BehaviorSitStand, Data: []float64{1}, Label: "standing"},
	})
	require.NoError(t, err, "group failure degrades into per-slot errors, not a call failure")
	require.Len(t, report.Results, 1)
	assert.NotEmpty(t, report.Results[0].ErrorKind)
	assert.Equal(t, 1, report.Labeled)
	assert.Equal(t, 0, report.Correct)
	require.NotNil(t, report.Accuracy)
	assert.Zero(t, *report.Accuracy)
}

func TestBatchCanceledContext(t *testing.T) {
	e := testEvaluator(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Batch(ctx, []Item{{Type: model.BehaviorSitStand, Data: []float64{1}}})
	assert.ErrorIs(t, err, context.Canceled)
}
