package evaluate

import (
	"context"
	"log/slog"

	"behaviorwatch/internal/dispatch"
	"behaviorwatch/internal/model"
)

// Item is one entry of a pre-assembled batch: behavior type, raw data,
// and an optional ground-truth label.
type Item struct {
	Type  model.BehaviorType `json:"behavior_type"`
	Data  any                `json:"data"`
	Label string             `json:"label,omitempty"`
}

// Report carries the batch results plus accuracy. Accuracy is nil when
// no item carried a label; absence of ground truth is not a failure.
type Report struct {
	Results  []model.InferenceResult `json:"results"`
	Accuracy *float64                `json:"accuracy"`
	Labeled  int                     `json:"labeled"`
	Correct  int                     `json:"correct"`
}

// Evaluator is the non-real-time entry point. It bypasses buffering and
// re-enters at the dispatcher, one grouped worker invocation per call.
type Evaluator struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func New(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Evaluator {
	return &Evaluator{dispatcher: dispatcher, logger: logger}
}

// Batch dispatches the items as one grouped invocation. Per-item
// failures are reported in that item's result slot; the batch itself
// never aborts for one bad item.
func (e *Evaluator) Batch(ctx context.Context, items []Item) ([]model.InferenceResult, error) {
	if len(items) == 0 {
		return []model.InferenceResult{}, nil
	}
	batch := make([]dispatch.BatchItem, len(items))
	for i, it := range items {
		batch[i] = dispatch.BatchItem{Type: it.Type, Data: it.Data}
	}
	results, err := e.dispatcher.Group(ctx, batch, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Group-level failure already filled every slot; surface it in
		// the results, not as a call failure.
		if e.logger != nil {
			e.logger.Warn("batch dispatch degraded", "items", len(items), "err", err)
		}
	}
	return results, nil
}

// Evaluate runs Batch and scores predictions against the ground-truth
// labels. Accuracy = correct/labeled over labeled items only.
func (e *Evaluator) Evaluate(ctx context.Context, items []Item) (Report, error) {
	results, err := e.Batch(ctx, items)
	if err != nil {
		return Report{}, err
	}
	report := Report{Results: results}
	for i, it := range items {
		if it.Label == "" {
			continue
		}
		report.Labeled++
		if i < len(results) && !results[i].Failed() && results[i].Label == it.Label {
			report.Correct++
		}
	}
	if report.Labeled > 0 {
		acc := float64(report.Correct) / float64(report.Labeled)
		report.Accuracy = &acc
	}
	return report, nil
}
