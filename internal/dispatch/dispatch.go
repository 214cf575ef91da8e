package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"behaviorwatch/internal/config"
	"behaviorwatch/internal/model"
)

// Dispatcher turns behavior samples into detection results by invoking
// the external inference capability as an isolated worker process. It
// holds no per-request state; calls from different sessions or for
// different behaviors may run concurrently.
type Dispatcher struct {
	cfg    *config.Manager
	logger *slog.Logger
}

func New(cfg *config.Manager, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, logger: logger}
}

// workerResult is the worker's stdout contract. The legacy analyzer
// emits predicted_score instead of detected/confidence; both forms are
// accepted.
type workerResult struct {
	Detected       *bool    `json:"detected"`
	Confidence     *float64 `json:"confidence"`
	Label          string   `json:"label"`
	PredictedScore *float64 `json:"predicted_score"`
	Status         string   `json:"status"`
	Message        string   `json:"message"`
}

func (w workerResult) toResult(behavior model.BehaviorType) model.InferenceResult {
	res := model.InferenceResult{Type: behavior, Label: w.Label}
	if w.Confidence != nil {
		res.Confidence = *w.Confidence
	} else if w.PredictedScore != nil {
		res.Confidence = *w.PredictedScore
	}
	if w.Detected != nil {
		res.Detected = *w.Detected
	} else if w.PredictedScore != nil {
		res.Detected = *w.PredictedScore >= 0.5
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res
}

// Analyze runs one worker invocation for one behavior sample. The
// deadline is enforced by killing the worker; a deadline of 0 falls
// back to the configured analyze timeout.
func (d *Dispatcher) Analyze(ctx context.Context, behavior model.BehaviorType, data any, deadline time.Duration) (model.InferenceResult, error) {
	cfg := d.cfg.Get()
	if deadline <= 0 {
		deadline = cfg.Worker.AnalyzeTimeout
	}
	payload, err := json.Marshal(map[string]any{string(behavior): data})
	if err != nil {
		return model.InferenceResult{}, err
	}
	if int64(len(payload)) > cfg.Ingest.MaxPayloadBytes {
		derr := &Error{Kind: KindPayloadTooLarge, Behavior: behavior}
		return failedResult(behavior, derr), derr
	}
	stdout, derr := d.runWorker(ctx, cfg, payload, deadline,
		cfg.Worker.Script, "--behavior", string(behavior))
	if derr != nil {
		derr.Behavior = behavior
		return failedResult(behavior, derr), derr
	}
	if ctx.Err() != nil {
		return model.InferenceResult{}, ctx.Err()
	}
	var w workerResult
	if err := json.Unmarshal(stdout, &w); err != nil {
		derr := &Error{Kind: KindMalformedOutput, Behavior: behavior, Err: err}
		return failedResult(behavior, derr), derr
	}
	return w.toResult(behavior), nil
}

// BatchItem is one entry of a grouped invocation.
type BatchItem struct {
	Type model.BehaviorType `json:"behavior_type"`
	Data any                `json:"data"`
}

type workerBatchOutput struct {
	Success       bool           `json:"success"`
	Results       []workerResult `json:"results"`
	TotalAnalyzed int            `json:"total_analyzed"`
}

// Group runs ONE worker invocation for a list of items and returns a
// result slice parallel to the input. A group-level failure (timeout,
// crash, garbage output) lands in every slot; it never panics the
// caller into aborting sibling items. The deadline budget grows with
// group size.
func (d *Dispatcher) Group(ctx context.Context, items []BatchItem, deadline time.Duration) ([]model.InferenceResult, error) {
	cfg := d.cfg.Get()
	if len(items) == 0 {
		return nil, nil
	}
	if deadline <= 0 {
		deadline = cfg.Worker.BatchTimeout + time.Duration(len(items))*cfg.Worker.BatchItemBonus
	}
	results := make([]model.InferenceResult, len(items))
	payload, err := json.Marshal(map[string]any{"behaviors": items})
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > cfg.Ingest.MaxPayloadBytes {
		derr := &Error{Kind: KindPayloadTooLarge}
		for i, it := range items {
			results[i] = failedResult(it.Type, derr)
		}
		return results, derr
	}
	stdout, derr := d.runWorker(ctx, cfg, payload, deadline, cfg.Worker.Script, "--batch")
	if derr == nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if derr == nil {
		var out workerBatchOutput
		if err := json.Unmarshal(stdout, &out); err != nil || len(out.Results) != len(items) {
			derr = &Error{Kind: KindMalformedOutput, Err: err}
		} else {
			for i, w := range out.Results {
				results[i] = w.toResult(items[i].Type)
			}
			return results, nil
		}
	}
	for i, it := range items {
		slot := *derr
		slot.Behavior = it.Type
		results[i] = failedResult(it.Type, &slot)
	}
	return results, derr
}

// Health is the result of a capability probe.
type Health struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Probe checks that the inference capability can start and respond at
// all, under the short health deadline.
func (d *Dispatcher) Probe(ctx context.Context) Health {
	cfg := d.cfg.Get()
	script := cfg.Worker.HealthScript
	if script == "" {
		script = cfg.Worker.Script
	}
	tctx, cancel := context.WithTimeout(ctx, cfg.Worker.HealthTimeout)
	defer cancel()
	cmd := exec.CommandContext(tctx, cfg.Worker.Python, script)
	cmd.Dir = cfg.Worker.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return Health{OK: false, Message: "health probe timed out"}
		}
		return Health{OK: false, Message: firstLine(stderr.String())}
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &status); err != nil {
		return Health{OK: false, Message: "unparseable health output"}
	}
	ok := status.Status == "success" || status.Status == "healthy" || status.Status == "ok"
	return Health{OK: ok, Message: status.Status}
}

// runWorker stages the payload to a temp file, runs the worker with the
// staging path appended as --data, and enforces the deadline by context
// cancellation, the same kill primitive a session teardown uses. The
// staging file is always removed before return; removal failure is
// logged, never surfaced.
func (d *Dispatcher) runWorker(ctx context.Context, cfg *config.Config, payload []byte, deadline time.Duration, scriptArgs ...string) ([]byte, *Error) {
	staged, err := os.CreateTemp(cfg.Worker.StagingDir, "bwatch-*.json")
	if err != nil {
		return nil, &Error{Kind: KindWorkerFailure, Err: err}
	}
	path := staged.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			if d.logger != nil {
				d.logger.Warn("staging file cleanup failed", "path", path, "err", rmErr)
			}
		}
	}()
	if _, err := staged.Write(payload); err != nil {
		_ = staged.Close()
		return nil, &Error{Kind: KindWorkerFailure, Err: err}
	}
	if err := staged.Close(); err != nil {
		return nil, &Error{Kind: KindWorkerFailure, Err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	args := make([]string, 0, len(scriptArgs)+2)
	args = append(args, scriptArgs[0], "--data", path)
	args = append(args, scriptArgs[1:]...)
	cmd := exec.CommandContext(tctx, cfg.Worker.Python, args...)
	cmd.Dir = cfg.Worker.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if d.logger != nil {
		d.logger.Debug("worker finished", "args", scriptArgs, "elapsed", time.Since(start), "err", runErr)
	}
	if runErr != nil {
		if ctx.Err() != nil {
			// Session-initiated cancellation; the caller drops the result.
			return nil, nil
		}
		if tctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Err: tctx.Err()}
		}
		return nil, &Error{Kind: KindWorkerFailure, Err: runErr, Stderr: firstLine(stderr.String())}
	}
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, &Error{Kind: KindMalformedOutput}
	}
	return out, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
