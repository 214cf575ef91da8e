package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/internal/config"
	"behaviorwatch/internal/logging"
	"behaviorwatch/internal/model"
)

// fakeWorker writes a shell script standing in for the Python worker and
// returns a manager whose worker config runs it via /bin/sh.
func fakeWorker(t *testing.T, script string) *config.Manager {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	cfg := config.DefaultConfig()
	cfg.Worker.Python = "/bin/sh"
	cfg.Worker.Script = path
	cfg.Worker.HealthScript = path
	cfg.Worker.StagingDir = dir
	return config.NewStaticManager(cfg)
}

func TestAnalyzeSuccess(t *testing.T) {
	mgr := fakeWorker(t, `echo '{"detected":true,"confidence":0.92,"label":"standing"}'`)
	d := New(mgr, logging.Discard())

	res, err := d.Analyze(context.Background(), model.BehaviorSitStand, [][]float64{{0.1, 0.2}}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, "standing", res.Label)
	assert.Equal(t, model.BehaviorSitStand, res.Type)
}

func TestAnalyzeLegacyScore(t *testing.T) {
	mgr := fakeWorker(t, `echo '{"predicted_score":0.7,"status":"success"}'`)
	d := New(mgr, logging.Discard())

	res, err := d.Analyze(context.Background(), model.BehaviorEyeGaze, []float64{1}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.InDelta(t, 0.7, res.Confidence, 1e-9)
}

func TestAnalyzeTimeoutKillsWorker(t *testing.T) {
	mgr := fakeWorker(t, `sleep 30`)
	d := New(mgr, logging.Discard())

	start := time.Now()
	res, err := d.Analyze(context.Background(), model.BehaviorSitStand, []float64{1}, 300*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, ErrKind(err))
	assert.Equal(t, KindTimeout, res.ErrorKind)
	assert.Less(t, elapsed, 5*time.Second, "dispatch must return near the deadline, not the worker's runtime")
}

func TestAnalyzeWorkerFailure(t *testing.T) {
	mgr := fakeWorker(t, `echo "model file missing" >&2; exit 3`)
	d := New(mgr, logging.Discard())

	res, err := d.Analyze(context.Background(), model.BehaviorTappingHands, []float64{1}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, KindWorkerFailure, ErrKind(err))
	assert.Contains(t, res.Error, "model file missing")
}

func TestAnalyzeEmptyOutputIsMalformed(t *testing.T) {
	mgr := fakeWorker(t, `exit 0`)
	d := New(mgr, logging.Discard())

	_, err := d.Analyze(context.Background(), model.BehaviorEyeGaze, []float64{1}, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, KindMalformedOutput, ErrKind(err))
}

func TestAnalyzePayloadTooLarge(t *testing.T) {
	mgr := fakeWorker(t, `echo '{"detected":false,"confidence":0}'`)
	cfg := mgr.Get()
	cfg.Ingest.MaxPayloadBytes = 16
	d := New(config.NewStaticManager(cfg), logging.Discard())

	big := make([]float64, 100)
	_, err := d.Analyze(context.Background(), model.BehaviorSitStand, big, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, KindPayloadTooLarge, ErrKind(err))
}

func TestAnalyzeCleansStagingFile(t *testing.T) {
	mgr := fakeWorker(t, `echo '{"detected":false,"confidence":0.1}'`)
	d := New(mgr, logging.Discard())

	_, err := d.Analyze(context.Background(), model.BehaviorSitStand, []float64{1}, 5*time.Second)
	require.NoError(t, err)

	entries, err := os.ReadDir(mgr.Get().Worker.StagingDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "bwatch-", "staging file left behind")
	}
}

func TestGroupMapsResultsToSlots(t *testing.T) {
	mgr := fakeWorker(t, `echo '{"success":true,"results":[{"detected":true,"confidence":0.8,"label":"tap"},{"detected":false,"confidence":0.2}],"total_analyzed":2}'`)
	d := New(mgr, logging.Discard())

	items := []BatchItem{
		{Type: model.BehaviorTappingHands, Data: []float64{1}},
		{Type: model.BehaviorEyeGaze, Data: []float64{2}},
	}
	results, err := d.Group(context.Background(), items, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.BehaviorTappingHands, results[0].Type)
	assert.True(t, results[0].Detected)
	assert.Equal(t, "tap", results[0].Label)
	assert.Equal(t, model.BehaviorEyeGaze, results[1].Type)
	assert.False(t, results[1].Detected)
}

func TestGroupEmptyOutputFillsEverySlot(t *testing.T) {
	mgr := fakeWorker(t, `exit 0`)
	d := New(mgr, logging.Discard())

	items := []BatchItem{{Type: model.BehaviorEyeGaze, Data: []float64{1}}}
	results, err := d.Group(context.Background(), items, 5*time.Second)
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, KindMalformedOutput, results[0].ErrorKind)
}

func TestGroupSingleInvocation(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "calls")
	mgr := fakeWorker(t, `echo x >> `+marker+`
echo '{"success":true,"results":[{"confidence":0.5},{"confidence":0.5},{"confidence":0.5}],"total_analyzed":3}'`)
	d := New(mgr, logging.Discard())

	items := []BatchItem{
		{Type: model.BehaviorSitStand, Data: []float64{1}},
		{Type: model.BehaviorEyeGaze, Data: []float64{2}},
		{Type: model.BehaviorTappingFeet, Data: []float64{3}},
	}
	_, err := d.Group(context.Background(), items, 5*time.Second)
	require.NoError(t, err)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data), "grouped dispatch must invoke the worker once")
}

func TestProbe(t *testing.T) {
	mgr := fakeWorker(t, `echo '{"status":"success","message":"ok"}'`)
	d := New(mgr, logging.Discard())
	h := d.Probe(context.Background())
	assert.True(t, h.OK)

	mgr = fakeWorker(t, `echo "import failed" >&2; exit 1`)
	d = New(mgr, logging.Discard())
	h = d.Probe(context.Background())
	assert.False(t, h.OK)
	assert.Contains(t, h.Message, "import failed")
}
