package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/config"
	"behaviorwatch/internal/logging"
	"behaviorwatch/internal/model"
)

func newTestAggregator(t *testing.T, mutate func(*config.Config)) (*Aggregator, *alerts.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	store := alerts.NewStore(100)
	agg := New(config.NewStaticManager(cfg), logging.Discard(), NewStateStore(), store, nil, nil)
	return agg, store
}

func detection(behavior model.BehaviorType, confidence float64) model.InferenceResult {
	return model.InferenceResult{Type: behavior, Detected: true, Confidence: confidence}
}

func TestApplyUpdatesState(t *testing.T) {
	agg, store := newTestAggregator(t, nil)
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.5)})
	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.3)})

	states, ok := agg.States().Get("s1")
	require.True(t, ok)
	var st model.BehaviorState
	for _, s := range states {
		if s.Type == model.BehaviorSitStand {
			st = s
		}
	}
	assert.Equal(t, 2, st.Count)
	require.NotNil(t, st.LastDetection)
	assert.InDelta(t, 0.5, st.Severity, 1e-9, "severity holds the max, not the latest")
	assert.Empty(t, store.List(0), "no alert below the threshold")
}

func TestApplyRaisesThresholdAlert(t *testing.T) {
	agg, store := newTestAggregator(t, nil)
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorTappingHands, 0.95)})

	list := store.List(0)
	require.Len(t, list, 1)
	assert.Equal(t, model.AlertWarning, list[0].Type)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.Equal(t, model.BehaviorTappingHands, list[0].Behavior)
	assert.InDelta(t, 0.95, list[0].Confidence, 1e-9)
	assert.NotEmpty(t, list[0].ID)
}

func TestApplyPerBehaviorThreshold(t *testing.T) {
	agg, store := newTestAggregator(t, func(cfg *config.Config) {
		cfg.Monitor.AlertThresholds = map[string]float64{string(model.BehaviorEyeGaze): 0.5}
	})
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorEyeGaze, 0.6)})
	require.Len(t, store.List(0), 1)

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.6)})
	assert.Len(t, store.List(0), 1, "other behaviors keep the default threshold")
}

func TestApplyFailedResultMutatesNothing(t *testing.T) {
	agg, store := newTestAggregator(t, nil)
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{{
		Type:      model.BehaviorEyeGaze,
		Error:     "worker exited",
		ErrorKind: "worker_failure",
	}})

	assert.Equal(t, 0, agg.States().TotalCount("s1"))
	assert.Empty(t, store.List(0))
}

func TestApplyUnknownSessionDropped(t *testing.T) {
	agg, store := newTestAggregator(t, nil)

	agg.Apply("ghost", []model.InferenceResult{detection(model.BehaviorSitStand, 0.99)})

	assert.Equal(t, 0, agg.States().TotalCount("ghost"))
	assert.Empty(t, store.List(0), "results for unknown sessions raise nothing")
}

func TestApplyMixedBatchIsIndependent(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{
		detection(model.BehaviorSitStand, 0.4),
		{Type: model.BehaviorEyeGaze, Error: "timeout", ErrorKind: "timeout"},
		detection(model.BehaviorRapidTalking, 0.3),
	})

	assert.Equal(t, 2, agg.States().TotalCount("s1"), "one failed behavior must not degrade the others")
}

func TestPatternCheckRaisesOnElevatedActivity(t *testing.T) {
	agg, store := newTestAggregator(t, func(cfg *config.Config) {
		cfg.Monitor.PatternThreshold = 3
	})
	agg.States().InitSession("s1")

	for i := 0; i < 4; i++ {
		agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorTappingFeet, 0.2)})
	}
	agg.PatternCheck("s1")

	list := store.List(0)
	require.Len(t, list, 1)
	assert.Equal(t, model.AlertInfo, list[0].Type)

	// No new detections since the last check.
	agg.PatternCheck("s1")
	assert.Len(t, store.List(0), 1)
}

func TestPatternCheckUsesDeltaNotTotal(t *testing.T) {
	agg, store := newTestAggregator(t, func(cfg *config.Config) {
		cfg.Monitor.PatternThreshold = 3
	})
	agg.States().InitSession("s1")

	for i := 0; i < 4; i++ {
		agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorTappingFeet, 0.2)})
	}
	agg.PatternCheck("s1")
	require.Len(t, store.List(0), 1)

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorTappingFeet, 0.2)})
	agg.PatternCheck("s1")
	assert.Len(t, store.List(0), 1, "one detection since the last check is not elevated activity")
}

func TestCooldownSuppressesRepeatWarnings(t *testing.T) {
	agg, store := newTestAggregator(t, func(cfg *config.Config) {
		cfg.Monitor.AlertCooldown = time.Minute
	})
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.9)})
	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.9)})
	assert.Len(t, store.List(0), 1)

	// Cooldown is per behavior.
	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorEyeGaze, 0.9)})
	assert.Len(t, store.List(0), 2)
}

func TestCooldownDisabledByDefault(t *testing.T) {
	agg, store := newTestAggregator(t, nil)
	agg.States().InitSession("s1")

	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.9)})
	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.9)})
	assert.Len(t, store.List(0), 2, "default config alerts on every crossing")
}

func TestForgetSessionResetsPatternBaseline(t *testing.T) {
	agg, _ := newTestAggregator(t, nil)
	agg.States().InitSession("s1")
	agg.Apply("s1", []model.InferenceResult{detection(model.BehaviorSitStand, 0.2)})
	agg.PatternCheck("s1")

	agg.ForgetSession("s1")

	agg.mu.Lock()
	_, ok := agg.lastPattern["s1"]
	agg.mu.Unlock()
	assert.False(t, ok)
}

func TestStateStoreInitZeroesAllBehaviors(t *testing.T) {
	store := NewStateStore()
	store.InitSession("s1")

	states, ok := store.Get("s1")
	require.True(t, ok)
	assert.Len(t, states, len(model.AllBehaviors()))
	for _, st := range states {
		assert.Equal(t, 0, st.Count)
		assert.Nil(t, st.LastDetection)
		assert.Zero(t, st.Severity)
	}
}
